package graph

import (
	"errors"
	"reflect"
	"testing"

	convoyerrors "convoy/internal/errors"
	"convoy/internal/spec"
)

func specFor(name string, deps ...string) *spec.ContainerSpec {
	return &spec.ContainerSpec{Name: name, Image: name + ":latest", DependsOn: deps}
}

func TestNew_BatchesRespectDependencies(t *testing.T) {
	g, err := New([]*spec.ContainerSpec{
		specFor("proxy", "api"),
		specFor("db"),
		specFor("api", "db"),
		specFor("cache"),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	want := [][]string{
		{"db", "cache"},
		{"api"},
		{"proxy"},
	}
	if !reflect.DeepEqual(g.Batches(), want) {
		t.Errorf("Batches() = %v, want %v", g.Batches(), want)
	}
}

func TestNew_TieBreakIsDeclarationOrder(t *testing.T) {
	// All four services are independent; the single batch must list them
	// exactly as declared.
	g, err := New([]*spec.ContainerSpec{
		specFor("zeta"),
		specFor("alpha"),
		specFor("mid"),
		specFor("beta"),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	want := [][]string{{"zeta", "alpha", "mid", "beta"}}
	if !reflect.DeepEqual(g.Batches(), want) {
		t.Errorf("Batches() = %v, want %v", g.Batches(), want)
	}
}

func TestNew_CycleFailsFast(t *testing.T) {
	_, err := New([]*spec.ContainerSpec{
		specFor("a", "c"),
		specFor("b", "a"),
		specFor("c", "b"),
	})
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
	if !errors.Is(err, convoyerrors.ErrCycle) {
		t.Errorf("expected ErrCycle, got %v", err)
	}
}

func TestNew_SelfDependencyIsACycle(t *testing.T) {
	_, err := New([]*spec.ContainerSpec{specFor("solo", "solo")})
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
	if !errors.Is(err, convoyerrors.ErrCycle) {
		t.Errorf("expected ErrCycle, got %v", err)
	}
}

func TestNew_PartialCycleStillDetected(t *testing.T) {
	// db is startable, but api/proxy form a cycle behind it.
	_, err := New([]*spec.ContainerSpec{
		specFor("db"),
		specFor("api", "db", "proxy"),
		specFor("proxy", "api"),
	})
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
	if !errors.Is(err, convoyerrors.ErrCycle) {
		t.Errorf("expected ErrCycle, got %v", err)
	}
}

func TestNew_UnknownDependency(t *testing.T) {
	_, err := New([]*spec.ContainerSpec{specFor("api", "ghost")})
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if !errors.Is(err, convoyerrors.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestNew_DuplicateService(t *testing.T) {
	_, err := New([]*spec.ContainerSpec{specFor("api"), specFor("api")})
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if !errors.Is(err, convoyerrors.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestReverseOrder(t *testing.T) {
	g, err := New([]*spec.ContainerSpec{
		specFor("db"),
		specFor("api", "db"),
		specFor("proxy", "api"),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	want := []string{"proxy", "api", "db"}
	if !reflect.DeepEqual(g.ReverseOrder(), want) {
		t.Errorf("ReverseOrder() = %v, want %v", g.ReverseOrder(), want)
	}
}

func TestDependents(t *testing.T) {
	g, err := New([]*spec.ContainerSpec{
		specFor("db"),
		specFor("api", "db"),
		specFor("worker", "db"),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	want := []string{"api", "worker"}
	if !reflect.DeepEqual(g.Dependents("db"), want) {
		t.Errorf("Dependents(db) = %v, want %v", g.Dependents("db"), want)
	}
	if got := g.Dependents("worker"); got != nil {
		t.Errorf("Dependents(worker) = %v, want none", got)
	}
}
