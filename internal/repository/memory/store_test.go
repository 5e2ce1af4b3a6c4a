package memory

import (
	"testing"

	"cardpilot.io/notifier/internal/repository"
	"cardpilot.io/notifier/internal/repository/repotest"
)

func TestStore(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Store {
		return New()
	})
}
