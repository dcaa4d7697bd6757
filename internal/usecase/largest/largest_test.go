package largest

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"dispatch/internal/domain"
	"dispatch/internal/ports"
	"dispatch/internal/tasks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type downReplica struct{}

func (downReplica) Connect(ctx context.Context, wiki domain.Wiki, kind ports.ReplicaKind) (*sql.DB, error) {
	return nil, errors.New("replica unreachable")
}

func TestRunWrapsReplicaFailure(t *testing.T) {
	t.Parallel()

	job := New(downReplica{}, nil, testLogger())
	engine := tasks.NewEngine("largest-edits", testLogger())

	wiki := domain.Wiki{DBName: "enwiki", URL: "https://en.wikipedia.org"}
	probe := engine.RunTask(context.Background(), func(ctx context.Context, tk *tasks.Task) (any, error) {
		return job.Run(ctx, wiki, Options{Wiki: "enwiki", User: "Example"}, tk)
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if finished, _ := engine.GetTaskFinished(probe.ID()); finished {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := engine.HandleResult(probe.ID()); err == nil {
		t.Fatal("expected failure with the replica down")
	} else if !strings.Contains(err.Error(), "connect replica") {
		t.Fatalf("failure lost its context: %v", err)
	}
}

func TestOptionsFingerprintIsStable(t *testing.T) {
	t.Parallel()

	a := Options{Wiki: "enwiki", User: "Example", Namespaces: []int{0, 1}}
	b := Options{Wiki: "enwiki", User: "Example", Namespaces: []int{0, 1}}
	fpA, err := tasks.Fingerprint(a)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fpB, err := tasks.Fingerprint(b)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fpA != fpB {
		t.Fatal("identical options produced different fingerprints")
	}

	fpC, err := tasks.Fingerprint(Options{Wiki: "enwiki", User: "Example", WithReverts: true})
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fpA == fpC {
		t.Fatal("distinct options collided")
	}
}
