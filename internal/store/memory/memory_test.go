package memory

import (
	"testing"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/store"
	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}
