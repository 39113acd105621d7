package notification

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Message kinds. Each terminal outcome of a login action maps to exactly one.
const (
	KindCodeSent       = "code_sent"
	KindLoginSuccess   = "login_success"
	KindNotRegistered  = "not_registered"
	KindWrongPassword  = "wrong_password"
	KindUnknownStatus  = "unknown_status"
	KindTransportError = "transport_error"
	KindValidation     = "validation"
	KindCodeDelivery   = "code_delivery"
)

// Message describes a notification payload.
type Message struct {
	Kind        string
	Destination string
	Body        string
}

// Notifier delivers notifications to the user or to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

func CodeSent() Message { return Message{Kind: KindCodeSent, Body: "Verification code sent"} }

func LoginSuccess() Message { return Message{Kind: KindLoginSuccess, Body: "Login successful"} }

func NotRegistered() Message { return Message{Kind: KindNotRegistered, Body: "Not yet registered"} }

func WrongPassword() Message { return Message{Kind: KindWrongPassword, Body: "Wrong password"} }

func UnknownStatus(code int) Message {
	return Message{Kind: KindUnknownStatus, Body: fmt.Sprintf("Unknown error (status %d)", code)}
}

func TransportError() Message {
	return Message{Kind: KindTransportError, Body: "Network error, please try again"}
}

// PleaseInput names the missing form fields.
func PleaseInput(fields ...string) Message {
	return Message{Kind: KindValidation, Body: "Please input " + strings.Join(fields, ", ")}
}

// LoggerNotifier writes notifications to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification", "kind", message.Kind, "destination", message.Destination, "body", message.Body)
	return nil
}

// WriterNotifier prints one line per message, the way a terminal toast would.
type WriterNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterNotifier(w io.Writer) *WriterNotifier {
	return &WriterNotifier{w: w}
}

func (n *WriterNotifier) Send(_ context.Context, message Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := fmt.Fprintln(n.w, message.Body)
	return err
}

// Recorder keeps every message it receives.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Send(_ context.Context, message Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

// Messages returns a copy of what has been recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Kinds lists recorded message kinds in order.
func (r *Recorder) Kinds() []string {
	msgs := r.Messages()
	kinds := make([]string, len(msgs))
	for i, m := range msgs {
		kinds[i] = m.Kind
	}
	return kinds
}
