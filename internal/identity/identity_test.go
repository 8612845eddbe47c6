package identity

import (
	"context"
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := map[string]bool{
		"n-0123abcd":  true,
		"n-ffffffff":  true,
		"n-0123ABCD":  false,
		"n-0123abc":   false,
		"n-0123abcde": false,
		"x-0123abcd":  false,
		"n-0123abcg":  false,
		"":            false,
	}
	for in, want := range cases {
		if got := Validate(in); got != want {
			t.Errorf("Validate(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRandom_WellFormed(t *testing.T) {
	for range 100 {
		id, err := Random()
		if err != nil {
			t.Fatalf("Random: %v", err)
		}
		if !Validate(id) {
			t.Fatalf("Random produced %q", id)
		}
	}
}

func sequence(ids ...string) Generator {
	i := 0
	return func() (string, error) {
		id := ids[i%len(ids)]
		i++
		return id, nil
	}
}

func TestAllocate_RetriesOnCollision(t *testing.T) {
	used := map[string]bool{"n-00000001": true, "n-00000002": true}
	a := NewAllocator(func(_ context.Context, id string) (bool, error) {
		return used[id], nil
	}, sequence("n-00000001", "n-00000002", "n-00000003"))

	id, err := a.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if id != "n-00000003" {
		t.Errorf("id = %q, want n-00000003", id)
	}
}

func TestAllocate_Exhausted(t *testing.T) {
	a := NewAllocator(func(context.Context, string) (bool, error) { return true, nil }, sequence("n-00000001"))
	if _, err := a.Allocate(context.Background()); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
}

func TestAllocate_RejectsMalformedGenerator(t *testing.T) {
	a := NewAllocator(nil, sequence("bogus"))
	if _, err := a.Allocate(context.Background()); err == nil {
		t.Fatal("expected error for malformed generator output")
	}
}

func TestAllocate_CheckErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	a := NewAllocator(func(context.Context, string) (bool, error) { return false, boom }, nil)
	if _, err := a.Allocate(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}
