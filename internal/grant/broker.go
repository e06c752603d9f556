package grant

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownPrompt = errors.New("unknown or already answered grant prompt")

// Prompt is an outstanding request for the user to allow screen capture.
type Prompt struct {
	ID          string    `json:"id"`
	RequestedAt time.Time `json:"requested_at"`
}

// Announcer shows prompts to whichever UI surfaces are attached.
type Announcer interface {
	AnnounceGrantPrompt(p Prompt)
	WithdrawGrantPrompt(id string)
}

// Broker runs the consent flow: Request blocks until the user answers the
// prompt through Resolve, or the context ends.
type Broker struct {
	issuer      *Issuer
	announcer   Announcer
	autoApprove bool

	mu      sync.Mutex
	pending map[string]*pendingPrompt
}

type pendingPrompt struct {
	prompt Prompt
	answer chan bool
}

func NewBroker(issuer *Issuer, announcer Announcer, autoApprove bool) *Broker {
	return &Broker{
		issuer:      issuer,
		announcer:   announcer,
		autoApprove: autoApprove,
		pending:     make(map[string]*pendingPrompt),
	}
}

func (b *Broker) Request(ctx context.Context) (*Grant, error) {
	if b.autoApprove {
		log.Printf("Grants: auto-approving screen capture")
		return b.issuer.Issue()
	}

	p := &pendingPrompt{
		prompt: Prompt{ID: uuid.NewString(), RequestedAt: time.Now()},
		answer: make(chan bool, 1),
	}

	b.mu.Lock()
	b.pending[p.prompt.ID] = p
	b.mu.Unlock()

	log.Printf("Grants: waiting for user consent (prompt %s)", p.prompt.ID)
	if b.announcer != nil {
		b.announcer.AnnounceGrantPrompt(p.prompt)
	}

	select {
	case approved := <-p.answer:
		if !approved {
			log.Printf("Grants: prompt %s denied", p.prompt.ID)
			return nil, ErrDenied
		}
		log.Printf("Grants: prompt %s approved", p.prompt.ID)
		return b.issuer.Issue()
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, p.prompt.ID)
		b.mu.Unlock()
		if b.announcer != nil {
			b.announcer.WithdrawGrantPrompt(p.prompt.ID)
		}
		return nil, ctx.Err()
	}
}

// Resolve answers a pending prompt. Each prompt can be answered once.
func (b *Broker) Resolve(id string, approved bool) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return ErrUnknownPrompt
	}
	p.answer <- approved
	if b.announcer != nil {
		b.announcer.WithdrawGrantPrompt(id)
	}
	return nil
}

// Pending lists unanswered prompts, oldest first.
func (b *Broker) Pending() []Prompt {
	b.mu.Lock()
	defer b.mu.Unlock()

	prompts := make([]Prompt, 0, len(b.pending))
	for _, p := range b.pending {
		prompts = append(prompts, p.prompt)
	}
	sort.Slice(prompts, func(i, j int) bool {
		return prompts[i].RequestedAt.Before(prompts[j].RequestedAt)
	})
	return prompts
}
