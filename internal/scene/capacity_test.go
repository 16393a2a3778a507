package scene

import (
	"errors"
	"testing"

	"github.com/hellhand/kube/internal/renderer"
)

type named string

func (n named) Name() string { return string(n) }

func TestCheckCapacity(t *testing.T) {
	var reg renderer.Registry
	reg.Register(named(meshName))
	reg.Register(named(textureName))
	reg.Register(named(textureName + "-normal"))

	for _, tc := range []struct {
		name  string
		limit int
		want  error
	}{
		{meshName, 2, nil},
		{meshName, 1, ErrCapacity},
		{textureName, 1, ErrCapacity},
		{textureName, 0, nil},
		{textureName, -1, nil},
		{overlayName, 1, nil},
	} {
		if err := checkCapacity(&reg, tc.name, tc.limit); !errors.Is(err, tc.want) {
			t.Errorf("checkCapacity(%q, %d) = %v, want %v", tc.name, tc.limit, err, tc.want)
		}
	}
}

func TestDefaultCapacitiesAdmitTheDemoScene(t *testing.T) {
	cfg := renderer.DefaultConfig()
	var reg renderer.Registry
	if err := checkCapacity(&reg, textureName, cfg.MaxTextures); err != nil {
		t.Fatal(err)
	}
	reg.Register(named(textureName))
	if err := checkCapacity(&reg, meshName, cfg.MaxMeshes); err != nil {
		t.Fatal(err)
	}
}
