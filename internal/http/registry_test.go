package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/prediction-subnet/internal/subnet"
	"github.com/kjstillabower/prediction-subnet/internal/validation"
)

func newRegistryServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := subnet.NewRegistry(map[int]string{0: "text", 1: "prediction"}, 3)
	srv := httptest.NewServer(NewRegistryRouter(NewRegistryHandler(reg, zap.NewNop()), zap.NewNop(), time.Minute))
	t.Cleanup(srv.Close)
	return srv
}

func TestRegistryRouter_RegisterAndVote(t *testing.T) {
	srv := newRegistryServer(t)
	ctx := context.Background()
	validator := subnet.NewClient(srv.URL, testKeypair(t, 1), time.Second)
	miner := subnet.NewClient(srv.URL, testKeypair(t, 2), time.Second)

	names, err := validator.SubnetNames(ctx)
	if err != nil {
		t.Fatalf("SubnetNames() error = %v", err)
	}
	if names[1] != "prediction" {
		t.Errorf("SubnetNames() = %v", names)
	}

	if _, err := validator.Register(ctx, 1, "validator", "10.0.0.1:9000"); err != nil {
		t.Fatalf("Register(validator) error = %v", err)
	}
	mod, err := miner.Register(ctx, 1, "miner", "10.0.0.2:8000")
	if err != nil {
		t.Fatalf("Register(miner) error = %v", err)
	}
	if mod.UID != 1 || mod.Key != testKeypair(t, 2).Address() {
		t.Errorf("miner module = %+v", mod)
	}

	addrs, err := validator.ModuleAddresses(ctx, 1)
	if err != nil {
		t.Fatalf("ModuleAddresses() error = %v", err)
	}
	if addrs[1] != "10.0.0.2:8000" {
		t.Errorf("ModuleAddresses() = %v", addrs)
	}

	if err := validator.Vote(ctx, 1, []int{1}, []int{800}); err != nil {
		t.Fatalf("Vote() error = %v", err)
	}
	votes, err := validator.Votes(ctx, 1)
	if err != nil {
		t.Fatalf("Votes() error = %v", err)
	}
	if len(votes) != 1 || votes[0].Validator != testKeypair(t, 1).Address() || votes[0].Weights[0] != 800 {
		t.Errorf("Votes() = %+v", votes)
	}
}

func TestRegistryRouter_ErrorMapping(t *testing.T) {
	srv := newRegistryServer(t)
	ctx := context.Background()
	c := subnet.NewClient(srv.URL, testKeypair(t, 3), time.Second)

	if _, err := c.Modules(ctx, 42); !errors.Is(err, subnet.ErrSubnetNotFound) {
		t.Errorf("Modules(42) error = %v, want ErrSubnetNotFound", err)
	}
	if err := c.Vote(ctx, 1, []int{0}, []int{1}); !errors.Is(err, subnet.ErrNotRegistered) {
		t.Errorf("Vote() unregistered error = %v, want ErrNotRegistered", err)
	}
	if _, err := c.Register(ctx, 1, "bad", "not-an-address"); !errors.Is(err, validation.ErrInvalidModule) {
		t.Errorf("Register(bad address) error = %v, want ErrInvalidModule", err)
	}

	if _, err := c.Register(ctx, 1, "v", "10.0.0.3:9000"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := c.Vote(ctx, 1, []int{0, 1, 2, 3}, []int{1, 1, 1, 1}); !errors.Is(err, validation.ErrInvalidVote) {
		t.Errorf("Vote(too many) error = %v, want ErrInvalidVote", err)
	}
	if err := c.Vote(ctx, 1, []int{9}, []int{1}); !errors.Is(err, subnet.ErrUnknownUID) {
		t.Errorf("Vote(unknown uid) error = %v, want ErrUnknownUID", err)
	}
}

func TestRegistryRouter_UnsignedWriteRejected(t *testing.T) {
	srv := newRegistryServer(t)
	resp, err := http.Post(srv.URL+"/subnets/1/modules", "application/json",
		strings.NewReader(`{"name":"m","address":"10.0.0.2:8000"}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRegistryRouter_BadNetUID(t *testing.T) {
	srv := newRegistryServer(t)
	resp, err := http.Get(srv.URL + "/subnets/abc/modules")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
