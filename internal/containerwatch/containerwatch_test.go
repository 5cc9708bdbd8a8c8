package containerwatch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stevedore-io/stevedore/internal/dockerclient"
	"github.com/stretchr/testify/require"
)

type fakeDocker struct {
	batches    [][]dockerclient.Event
	calls      int
	gotFilters []map[string][]string
}

func (f *fakeDocker) Events(ctx context.Context, since, until string, filters map[string][]string, limit int) ([]dockerclient.Event, error) {
	f.gotFilters = append(f.gotFilters, filters)
	if f.calls >= len(f.batches) {
		f.calls++
		return nil, nil
	}
	ev := f.batches[f.calls]
	f.calls++
	return ev, nil
}

type fakeScheduler struct {
	removed []string
}

func (f *fakeScheduler) RemoveContainer(containerID string) error {
	f.removed = append(f.removed, containerID)
	return nil
}

func TestWatcher_RemovesDestroyedContainers(t *testing.T) {
	docker := &fakeDocker{
		batches: [][]dockerclient.Event{
			{{Type: "container", Action: "destroy", Actor: map[string]any{"ID": "c1"}}},
		},
	}
	sched := &fakeScheduler{}

	w := New(docker, sched, 5*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return len(sched.removed) == 1
	}, time.Second, time.Millisecond)

	require.Equal(t, []string{"c1"}, sched.removed)
	require.Equal(t, []string{"container"}, docker.gotFilters[0]["type"])
	require.Equal(t, []string{"destroy"}, docker.gotFilters[0]["event"])

	cancel()
	w.Stop()
}

func TestWatcher_IgnoresEventsWithoutActorID(t *testing.T) {
	docker := &fakeDocker{
		batches: [][]dockerclient.Event{
			{{Type: "container", Action: "destroy", Actor: map[string]any{}}},
		},
	}
	sched := &fakeScheduler{}

	w := New(docker, sched, 5*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	w.Stop()

	require.Empty(t, sched.removed)
}
