package progress

import (
	"testing"

	"appforge/internal/models"
	"appforge/internal/registry"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	reg.Create(models.BuildJob{BuildID: "b1", OwnerUserID: "u1", ProjectID: "p1", ProjectName: "demo"})
	return reg
}
