// Package tasks holds the handlers celeryd registers by default. A
// real deployment replaces or extends this set; it is kept small and
// self-contained so the daemon has something to dispatch to out of the
// box, mirroring the teacher's domain.Function records existing for a
// concrete deployed function rather than an empty registry.
package tasks

import (
	"fmt"

	"github.com/kidoz/dotcelery/internal/registry"
)

// EmailInput is the payload for the send_email demo task.
type EmailInput struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// EmailOutput confirms delivery.
type EmailOutput struct {
	Sent bool   `json:"sent"`
	To   string `json:"to"`
}

// EchoInput is the payload for the echo demo task.
type EchoInput struct {
	Message string `json:"message"`
}

// EchoOutput mirrors the input back, used to exercise the pipeline end
// to end without any external dependency.
type EchoOutput struct {
	Message string `json:"message"`
}

// Register installs the default task set on r. Call before r.Build().
func Register(r *registry.Registry) error {
	if err := registry.Register(r, "send_email", registry.RegistrationOptions{
		Queue: "default",
	}, sendEmail); err != nil {
		return err
	}
	if err := registry.Register(r, "echo", registry.RegistrationOptions{
		Queue: "default",
	}, echo); err != nil {
		return err
	}
	return nil
}

func sendEmail(ctx *registry.TaskContext, in EmailInput) (EmailOutput, error) {
	if in.To == "" {
		return EmailOutput{}, fmt.Errorf("tasks: send_email requires a recipient")
	}
	if ctx.Progress != nil {
		ctx.Progress.Update(ctx.TaskID, 100, "sent", 1, 1, "delivered")
	}
	return EmailOutput{Sent: true, To: in.To}, nil
}

func echo(ctx *registry.TaskContext, in EchoInput) (EchoOutput, error) {
	return EchoOutput{Message: in.Message}, nil
}
