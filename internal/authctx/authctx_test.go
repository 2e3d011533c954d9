package authctx

import (
	"context"
	"sync"
	"testing"
)

func TestFromContextAbsent(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("expected no auth in a bare context")
	}
	if Token(context.Background()) != "" {
		t.Fatal("expected empty token in a bare context")
	}
}

func TestWithAndFromContext(t *testing.T) {
	ctx := With(context.Background(), Auth{Token: "tok", HeaderJSON: `{"u":"a"}`})

	auth, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected auth in context")
	}
	if auth.Token != "tok" || auth.HeaderJSON != `{"u":"a"}` {
		t.Fatalf("unexpected auth: %+v", auth)
	}
	if Token(ctx) != "tok" {
		t.Fatalf("Token = %q", Token(ctx))
	}
	if HeaderJSON(ctx) != `{"u":"a"}` {
		t.Fatalf("HeaderJSON = %q", HeaderJSON(ctx))
	}
}

func TestNestingShadowsAndRestores(t *testing.T) {
	outer := With(context.Background(), Auth{Token: "outer"})
	inner := With(outer, Auth{Token: "inner"})

	if Token(inner) != "inner" {
		t.Fatalf("inner Token = %q, want inner", Token(inner))
	}
	// The outer context is untouched by the inner scope.
	if Token(outer) != "outer" {
		t.Fatalf("outer Token = %q, want outer", Token(outer))
	}
}

func TestConcurrentScopesDoNotCrossTalk(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		token := string(rune('a' + i%26))
		go func() {
			defer wg.Done()
			ctx := With(context.Background(), Auth{Token: token})
			for j := 0; j < 100; j++ {
				if got := Token(ctx); got != token {
					t.Errorf("Token = %q, want %q", got, token)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestValid(t *testing.T) {
	if (Auth{}).Valid() {
		t.Fatal("zero Auth should not be valid")
	}
	if !(Auth{Token: "x"}).Valid() {
		t.Fatal("Auth with token should be valid")
	}
}
