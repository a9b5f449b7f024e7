// Package kvtest runs a single node etcd inside the test process.
package kvtest

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/xinkaiwang/gathercomm/libs/xklib/klogging"
	"go.etcd.io/etcd/server/v3/embed"
)

const startTimeout = 30 * time.Second

// StartEmbeddedEtcd starts an etcd server backed by a temp dir and returns its client endpoint.
// The server stops when the test ends.
func StartEmbeddedEtcd(t testing.TB) string {
	t.Helper()
	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"

	clientURL := mustParseURL(t, fmt.Sprintf("http://127.0.0.1:%d", GetFreePort(t)))
	peerURL := mustParseURL(t, fmt.Sprintf("http://127.0.0.1:%d", GetFreePort(t)))
	cfg.ListenClientUrls = []url.URL{*clientURL}
	cfg.AdvertiseClientUrls = []url.URL{*clientURL}
	cfg.ListenPeerUrls = []url.URL{*peerURL}
	cfg.AdvertisePeerUrls = []url.URL{*peerURL}
	cfg.InitialCluster = fmt.Sprintf("%s=%s", cfg.Name, peerURL.String())

	e, err := embed.StartEtcd(cfg)
	if err != nil {
		t.Fatalf("failed to start embedded etcd: %v", err)
	}
	t.Cleanup(e.Close)

	select {
	case <-e.Server.ReadyNotify():
	case err := <-e.Err():
		t.Fatalf("embedded etcd failed: %v", err)
	case <-time.After(startTimeout):
		e.Server.Stop()
		t.Fatalf("embedded etcd took longer than %v to start", startTimeout)
	}
	klogging.Info(context.Background()).With("endpoint", clientURL.Host).Log("EmbeddedEtcdStarted", "")
	return clientURL.Host
}

// GetFreePort asks the kernel for a free loopback port.
func GetFreePort(t testing.TB) int {
	t.Helper()
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to resolve loopback addr: %v", err)
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatalf("failed to listen on loopback: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func mustParseURL(t testing.TB, str string) *url.URL {
	u, err := url.Parse(str)
	if err != nil {
		t.Fatalf("bad url %q: %v", str, err)
	}
	return u
}
