package memory

import (
	"testing"

	"github.com/partsdesk/api/internal/repositories"
	"github.com/partsdesk/api/internal/repositories/repotest"
)

func TestStoreSuite(t *testing.T) {
	repotest.Run(t, func(*testing.T) repositories.Store { return NewStore() })
}
