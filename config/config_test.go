package config_test

import (
	"testing"

	"github.com/remiges-tech/batchcore/config"
)

func TestNewRigelSource(t *testing.T) {
	etcdEndpoints := []string{"localhost:2379"}
	src, err := config.NewRigelSource(etcdEndpoints, "batchcore", "driver", 1, "pools")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if src.Client == nil {
		t.Fatalf("Expected rigel client to be not nil")
	}

	if len(src.Etcd.Endpoints()) == 0 || src.Etcd.Endpoints()[0] != etcdEndpoints[0] {
		t.Fatalf("Expected etcd endpoint %v, got %v", etcdEndpoints[0], src.Etcd.Endpoints())
	}

	want := "/remiges/rigel/batchcore/driver/1/config/pools/"
	if src.KeyPrefix() != want {
		t.Fatalf("Expected key prefix %q, got %q", want, src.KeyPrefix())
	}
}

func TestPoolsWatchKey(t *testing.T) {
	src, err := config.NewRigelSource([]string{"localhost:2379"}, config.RigelApp, config.RigelModule, config.RigelSchemaVersion, config.PoolsConfigName)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if config.PoolsWatchKey(src) != src.KeyPrefix() {
		t.Fatalf("Expected the rigel watch key to be the document's key prefix")
	}
}
