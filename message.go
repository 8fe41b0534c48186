package wsguard

// Message 表示通过 WebSocket 传递的基础消息结构
// Event 为事件名，Payload 为按连接编解码器编码的事件负载，FromID/ToID 可选用于标识来源和目标
type Message struct {
	Event   string
	Payload []byte
	FromID  string
	ToID    string
}
