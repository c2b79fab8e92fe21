package blackboard

import (
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func TestInMemory_PostAndQuery(t *testing.T) {
	b := NewInMemory(zap.NewNop())
	b.Post(Finding{AgentID: "a1", Topic: "discovery", Content: "found it", Type: "discovery", Confidence: 0.8})
	b.Post(Finding{AgentID: "a1", Topic: "analysis", Content: "because", Type: "analysis", Confidence: 0.6})

	got := b.Query("discovery", 0)
	if len(got) != 1 || got[0].Content != "found it" {
		t.Fatalf("expected one discovery finding, got %#v", got)
	}
}

func TestInMemory_QueryMostRecentFirst(t *testing.T) {
	b := NewInMemory(zap.NewNop())
	b.Post(Finding{Topic: "x", Content: "first"})
	b.Post(Finding{Topic: "x", Content: "second"})
	b.Post(Finding{Topic: "x", Content: "third"})

	got := b.Query("x", 2)
	if len(got) != 2 || got[0].Content != "third" || got[1].Content != "second" {
		t.Fatalf("expected [third, second], got %#v", got)
	}
}

func TestInMemory_SubscribeReceivesMatchingTopics(t *testing.T) {
	b := NewInMemory(zap.NewNop())

	var mu sync.Mutex
	var received []string
	b.Subscribe("file.*", func(f Finding) {
		mu.Lock()
		received = append(received, f.Content)
		mu.Unlock()
	})

	b.Post(Finding{Topic: "file.read", Content: "a"})
	b.Post(Finding{Topic: "other", Content: "b"})
	b.Post(Finding{Topic: "file.write", Content: "c"})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[0] != "a" || received[1] != "c" {
		t.Fatalf("expected [a, c], got %#v", received)
	}
}

func TestInMemory_Unsubscribe(t *testing.T) {
	b := NewInMemory(zap.NewNop())
	count := 0
	u := b.Subscribe("*", func(f Finding) { count++ })
	b.Post(Finding{Topic: "x"})
	b.Unsubscribe(u)
	b.Post(Finding{Topic: "x"})
	if count != 1 {
		t.Fatalf("expected 1 delivery before unsubscribe, got %d", count)
	}
}

func TestInMemory_ListenerPanicIsolated(t *testing.T) {
	b := NewInMemory(zap.NewNop())
	b.Subscribe("*", func(f Finding) { panic("boom") })
	// Must not panic the poster.
	b.Post(Finding{Topic: "x"})
}

// Q8: under concurrent claims on the same resource, at most one write/
// exclusive claim is outstanding at any time.
func TestInMemory_ClaimExclusivity(t *testing.T) {
	b := NewInMemory(zap.NewNop())

	const n = 50
	var wg sync.WaitGroup
	granted := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			granted[i] = b.Claim("/shared.go", fmt.Sprintf("agent-%d", i), ClaimWrite)
		}(i)
	}
	wg.Wait()

	count := 0
	for _, g := range granted {
		if g {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one writer to win the claim, got %d", count)
	}
}

func TestInMemory_ReadClaimsCoexist(t *testing.T) {
	b := NewInMemory(zap.NewNop())
	if !b.Claim("/f", "a1", ClaimRead) {
		t.Fatal("expected first read claim to succeed")
	}
	if !b.Claim("/f", "a2", ClaimRead) {
		t.Fatal("expected concurrent reads to coexist")
	}
}

func TestInMemory_WriteExcludesRead(t *testing.T) {
	b := NewInMemory(zap.NewNop())
	if !b.Claim("/f", "a1", ClaimRead) {
		t.Fatal("expected read claim to succeed")
	}
	if b.Claim("/f", "a2", ClaimWrite) {
		t.Fatal("write must not be granted while a read claim is outstanding")
	}
}

func TestInMemory_ReadExcludedByExistingWrite(t *testing.T) {
	b := NewInMemory(zap.NewNop())
	if !b.Claim("/f", "a1", ClaimWrite) {
		t.Fatal("expected write claim to succeed")
	}
	if b.Claim("/f", "a2", ClaimRead) {
		t.Fatal("read must not be granted while a write claim is outstanding")
	}
}

func TestInMemory_ReleaseFreesClaim(t *testing.T) {
	b := NewInMemory(zap.NewNop())
	b.Claim("/f", "a1", ClaimWrite)
	if !b.IsClaimed("/f") {
		t.Fatal("expected /f to be claimed")
	}
	b.Release("/f", "a1")
	if b.IsClaimed("/f") {
		t.Fatal("expected /f to be free after release")
	}
	if !b.Claim("/f", "a2", ClaimWrite) {
		t.Fatal("expected a2 to be able to claim after release")
	}
}

func TestInMemory_ReleaseByNonOwnerIsNoop(t *testing.T) {
	b := NewInMemory(zap.NewNop())
	b.Claim("/f", "a1", ClaimWrite)
	b.Release("/f", "a2") // not the owner
	if !b.IsClaimed("/f") {
		t.Fatal("expected claim to remain held by its actual owner")
	}
}
