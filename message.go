package agentz

import "fmt"

// Message is the rendered description of a span.
type Message struct {
	Text   string            `json:"text"`
	Detail map[string]string `json:"detail,omitempty"`
}

// MessageSupplier renders a span message. It is called only when the
// trace holding the span is snapshotted for reporting, so formatting costs
// are paid only for traces that are kept.
type MessageSupplier func() Message

// Messagef returns a supplier formatting format and args with fmt.Sprintf
// when invoked.
func Messagef(format string, args ...any) MessageSupplier {
	return func() Message {
		if len(args) == 0 {
			return Message{Text: format}
		}
		return Message{Text: fmt.Sprintf(format, args...)}
	}
}

// resolve invokes the supplier, turning a panic into a placeholder text.
func (s MessageSupplier) resolve() (msg Message) {
	if s == nil {
		return Message{}
	}
	defer func() {
		if r := recover(); r != nil {
			Logger().Error().Interface("panic", r).Msg("message supplier panicked")
			msg = Message{Text: "<message unavailable>"}
		}
	}()
	return s()
}
