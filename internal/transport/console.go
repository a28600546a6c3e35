package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"onboarding-agent/internal/domain"
)

// SchemeConsole is the local CLI channel.
const SchemeConsole = "console"

// Console prints replies to a writer.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

// NewConsole writes every reply to w, one line per message.
func NewConsole(w io.Writer, prefix string) *Console {
	return &Console{w: w, prefix: prefix}
}

func (c *Console) Send(_ context.Context, _, _, text string) (domain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.w, "%s%s\n", c.prefix, text); err != nil {
		return domain.Receipt{}, err
	}
	return domain.Receipt{MessageID: uuid.NewString(), Timestamp: time.Now().UTC()}, nil
}
