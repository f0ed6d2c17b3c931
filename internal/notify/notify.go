package notify

import "context"

// Mailer is the email transport boundary. Implementations report failure;
// callers decide whether that rolls anything back (it never does after a
// committed transition).
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Messenger is the chat transport boundary: push a message (optionally with
// an image) to an addressable recipient, and run a bounded-choice prompt.
type Messenger interface {
	Notify(ctx context.Context, recipient, text string, image []byte) error
	// PromptChoice shows options and waits for one reply. It returns the
	// chosen index, or an error when the wait times out or ctx is done.
	PromptChoice(ctx context.Context, recipient, prompt string, options []string) (int, error)
}
