package notify

import (
	"context"
	"log"
)

// LogMessenger stands in for a real chat transport: notifications go to the
// process log, prompts auto-pick the first option. Deployments wire a real
// Messenger against their bot platform.
type LogMessenger struct{}

func (LogMessenger) Notify(ctx context.Context, recipient, text string, image []byte) error {
	if len(image) > 0 {
		log.Printf("notify: -> %s (+%d byte image): %s", recipient, len(image), text)
		return nil
	}
	log.Printf("notify: -> %s: %s", recipient, text)
	return nil
}

func (LogMessenger) PromptChoice(ctx context.Context, recipient, prompt string, options []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	log.Printf("notify: prompt %s %q, auto-picking %q", recipient, prompt, options[0])
	return 0, nil
}
