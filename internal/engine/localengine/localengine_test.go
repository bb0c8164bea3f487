package localengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	eng "github.com/ansible/rulebook-orchestrator/internal/engine"
)

func TestExtraOfDefaultsWhenRequestHasNoExtra(t *testing.T) {
	got := extraOf(&eng.ContainerRequest{})
	assert.Equal(t, 10*time.Second, got.StopTimeout)
}

func TestExtraOfDefaultsWhenExtraIsWrongType(t *testing.T) {
	got := extraOf(&eng.ContainerRequest{Extra: "not-an-Extra"})
	assert.Equal(t, 10*time.Second, got.StopTimeout)
}

func TestExtraOfReturnsProvidedValue(t *testing.T) {
	got := extraOf(&eng.ContainerRequest{Extra: Extra{StopTimeout: 30 * time.Second}})
	assert.Equal(t, 30*time.Second, got.StopTimeout)
}
