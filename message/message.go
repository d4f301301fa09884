package message

import "time"

// Message is a standalone timestamped text record, independent of the link protocol.
type Message struct {
	Content  string         `json:"content" msgpack:"content"`
	EditTime int64          `json:"edit_time" msgpack:"edit_time"` // epoch milliseconds
	Sender   string         `json:"sender" msgpack:"sender"`
	Others   map[string]any `json:"others" msgpack:"others"`
}

func NewMessage(sender string, content string) *Message {
	return &Message{
		Content:  content,
		EditTime: time.Now().UTC().UnixMilli(),
		Sender:   sender,
		Others:   make(map[string]any),
	}
}

func (m *Message) Time() time.Time {
	return time.UnixMilli(m.EditTime).UTC()
}
