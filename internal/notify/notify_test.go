package notify_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/notify"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "notify-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func connect(t *testing.T) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	t.Cleanup(func() {
		natsConnection.Close()
		natsServer.Shutdown()
	})

	return natsConnection
}

type recordingNotifier struct {
	titles []string
}

func (r *recordingNotifier) Notify(_ context.Context, title, _ string, _ core.Severity) {
	r.titles = append(r.titles, title)
}

func TestNatsNotifier_Publishes(t *testing.T) {
	t.Parallel()

	natsConnection := connect(t)

	sub, err := natsConnection.SubscribeSync("ops.alerts")
	require.NoError(t, err)
	require.NoError(t, natsConnection.Flush())

	notifier := notify.NewNatsNotifier(natsConnection, "ops.alerts", newLogger(t))
	notifier.Notify(context.Background(), "Merge failed", "job abc", core.SeverityError)

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var notification notify.Notification
	require.NoError(t, json.Unmarshal(msg.Data, &notification))

	assert.Equal(t, "Merge failed", notification.Title)
	assert.Equal(t, "job abc", notification.Message)
	assert.Equal(t, core.SeverityError, notification.Severity)
	assert.NotEmpty(t, notification.Header.EventID)
	assert.False(t, notification.Header.Timestamp.IsZero())
}

func TestNatsNotifier_ClosedConnectionDoesNotPanic(t *testing.T) {
	t.Parallel()

	natsConnection := connect(t)
	natsConnection.Close()

	notifier := notify.NewNatsNotifier(natsConnection, "ops.alerts", newLogger(t))

	assert.NotPanics(t, func() {
		notifier.Notify(context.Background(), "title", "message", core.SeverityInfo)
	})
}

func TestMulti_ForwardsToAll(t *testing.T) {
	t.Parallel()

	first := &recordingNotifier{}
	second := &recordingNotifier{}

	multi := notify.Multi{first, notify.NewLogNotifier(newLogger(t)), second}
	multi.Notify(context.Background(), "Bulletin ready", "ok", core.SeverityInfo)

	assert.Equal(t, []string{"Bulletin ready"}, first.titles)
	assert.Equal(t, []string{"Bulletin ready"}, second.titles)
}
