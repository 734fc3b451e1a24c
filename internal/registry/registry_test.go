package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"

	"github.com/legatoproject/legato-af-sub020/internal/app"
	"github.com/legatoproject/legato-af-sub020/internal/cgroup"
)

func testApp(t *testing.T, name string) *app.App {
	t.Helper()
	root := t.TempDir()
	for _, s := range []cgroup.Subsystem{cgroup.CPU, cgroup.Memory, cgroup.Freezer} {
		must.NoError(t, os.MkdirAll(filepath.Join(root, string(s)), 0o755))
	}
	cg := cgroup.New(root, "", hclog.NewNullLogger())
	return app.New(name, false, false, nil, cg, hclog.NewNullLogger())
}

func TestInstallActivateDeactivate_Invariant1(t *testing.T) {
	r := New(hclog.NewNullLogger())
	a := testApp(t, "echo")
	r.Install(a)
	must.False(t, r.IsActive("echo"))

	must.NoError(t, r.Activate("echo"))
	must.True(t, r.IsActive("echo"))

	must.NoError(t, r.Deactivate("echo"))
	must.False(t, r.IsActive("echo"))
}

func TestUninstall_RefusesWhileActive(t *testing.T) {
	r := New(hclog.NewNullLogger())
	a := testApp(t, "echo")
	r.Install(a)
	must.NoError(t, r.Activate("echo"))
	must.False(t, r.Uninstall("echo"))

	must.NoError(t, r.Deactivate("echo"))
	must.True(t, r.Uninstall("echo"))
	_, ok := r.Lookup("echo")
	must.False(t, ok)
}

func TestGetHandle_SingleOwner(t *testing.T) {
	r := New(hclog.NewNullLogger())
	a := testApp(t, "svc")
	r.Install(a)

	must.NoError(t, r.GetHandle("s1", "svc"))
	must.ErrorIs(t, r.GetHandle("s2", "svc"), ErrDuplicate)
}

func TestOnClientDisconnect_ReleasesHandles(t *testing.T) {
	r := New(hclog.NewNullLogger())
	a := testApp(t, "svc")
	r.Install(a)
	must.NoError(t, r.GetHandle("s1", "svc"))

	r.OnClientDisconnect("s1")
	must.Eq(t, "", a.HandleOwner())

	// Handle is free again for a new session.
	must.NoError(t, r.GetHandle("s2", "svc"))
}

func TestGetHandle_UnknownApp(t *testing.T) {
	r := New(hclog.NewNullLogger())
	must.ErrorIs(t, r.GetHandle("s1", "nope"), ErrNotFound)
}
