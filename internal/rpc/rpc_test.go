package rpc

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"
	"github.com/shoenig/test/must"

	"github.com/legatoproject/legato-af-sub020/internal/app"
	"github.com/legatoproject/legato-af-sub020/internal/cgroup"
	"github.com/legatoproject/legato-af-sub020/internal/registry"
	"github.com/legatoproject/legato-af-sub020/internal/result"
	"github.com/legatoproject/legato-af-sub020/internal/supervisor"
)

func testCgroupDriver(t *testing.T) *cgroup.Driver {
	t.Helper()
	root := t.TempDir()
	for _, s := range []cgroup.Subsystem{cgroup.CPU, cgroup.Memory, cgroup.Freezer} {
		must.NoError(t, os.MkdirAll(filepath.Join(root, string(s)), 0o755))
	}
	return cgroup.New(root, "", hclog.NewNullLogger())
}

func startTestServer(t *testing.T) (*Queue, string) {
	t.Helper()
	reg := registry.New(hclog.NewNullLogger())
	k := supervisor.New(nil, nil, reg, nil, nil, hclog.NewNullLogger())
	q := NewQueue(16)
	go q.Run()

	cg := testCgroupDriver(t)
	a := app.New("echo", false, false, nil, cg, hclog.NewNullLogger())
	reg.Install(a)

	svc := NewService(q, k, reg, hclog.NewNullLogger())
	sockPath := filepath.Join(t.TempDir(), "rpc.sock")
	srv, err := Listen(sockPath, svc, hclog.NewNullLogger())
	must.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	return q, sockPath
}

func dial(t *testing.T, sockPath string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial failed: %v", err)
	return nil
}

func TestStart_UnknownApp_ReturnsNotInstalled(t *testing.T) {
	_, sockPath := startTestServer(t)
	conn := dial(t, sockPath)
	defer conn.Close()
	codec := msgpackrpc.NewClientCodec(conn)

	var reply AppReply
	must.NoError(t, msgpackrpc.CallWithCodec(codec, "Service.Start", &AppRequest{App: "nope"}, &reply))
	must.Eq(t, result.NotInstalled, reply.Code)
}

func TestStartThenStatus_ReportsRunning(t *testing.T) {
	_, sockPath := startTestServer(t)
	conn := dial(t, sockPath)
	defer conn.Close()
	codec := msgpackrpc.NewClientCodec(conn)

	var startReply AppReply
	must.NoError(t, msgpackrpc.CallWithCodec(codec, "Service.Start", &AppRequest{App: "echo"}, &startReply))
	must.Eq(t, result.OK, startReply.Code)

	var statusReply StatusReply
	must.NoError(t, msgpackrpc.CallWithCodec(codec, "Service.Status", &StatusRequest{App: "echo"}, &statusReply))
	must.Eq(t, result.OK, statusReply.Code)
	must.Eq(t, "RUNNING", statusReply.State)
}

func TestGetHandle_DuplicateRejected(t *testing.T) {
	_, sockPath := startTestServer(t)
	conn := dial(t, sockPath)
	defer conn.Close()
	codec := msgpackrpc.NewClientCodec(conn)

	var r1 HandleReply
	must.NoError(t, msgpackrpc.CallWithCodec(codec, "Service.GetHandle", &HandleRequest{SessionID: "s1", App: "echo"}, &r1))
	must.Eq(t, result.OK, r1.Code)

	var r2 HandleReply
	must.NoError(t, msgpackrpc.CallWithCodec(codec, "Service.GetHandle", &HandleRequest{SessionID: "s2", App: "echo"}, &r2))
	must.Eq(t, result.Duplicate, r2.Code)
}

func TestInfo_ReportsVersion(t *testing.T) {
	_, sockPath := startTestServer(t)
	conn := dial(t, sockPath)
	defer conn.Close()
	codec := msgpackrpc.NewClientCodec(conn)

	var reply InfoReply
	must.NoError(t, msgpackrpc.CallWithCodec(codec, "Service.Info", &Empty{}, &reply))
	must.Eq(t, result.OK, reply.Code)
}
