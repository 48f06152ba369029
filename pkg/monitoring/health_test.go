package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestHealthChecker_Basic(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: "healthy"} })
	status := hc.CheckHealth()
	if status.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
}

func TestHealthChecker_UnhealthyWins(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: "healthy"} })
	hc.AddCheck("bad", func() CheckResult { return CheckResult{Status: "unhealthy"} })
	if got := hc.CheckHealth().Status; got != "unhealthy" {
		t.Fatalf("expected unhealthy, got %q", got)
	}
}

func TestHTTPServiceHealthCheck(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer s.Close()
	res := HTTPServiceHealthCheck("svc", s.URL)()
	if res.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
}

func TestRedisHealthCheck(t *testing.T) {
	res := RedisHealthCheck(nil)()
	if res.Status != "unhealthy" {
		t.Fatalf("expected unhealthy for nil client, got %q", res.Status)
	}

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	res = RedisHealthCheck(client)()
	if res.Status != "healthy" {
		t.Fatalf("expected healthy, got %q: %s", res.Status, res.Message)
	}

	mr.Close()
	res = RedisHealthCheck(client)()
	if res.Status != "unhealthy" {
		t.Fatalf("expected unhealthy after redis stop, got %q", res.Status)
	}
}

func TestConfigurationHealthCheck(t *testing.T) {
	res := ConfigurationHealthCheck(map[string]string{"REDIS_URL": "redis://x"})()
	if res.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
	res = ConfigurationHealthCheck(map[string]string{"REDIS_URL": ""})()
	if res.Status != "unhealthy" {
		t.Fatalf("expected unhealthy for missing config")
	}
}
