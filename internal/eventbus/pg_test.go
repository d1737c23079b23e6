// ABOUTME: Tests for the Postgres LISTEN/NOTIFY channel.
// ABOUTME: Framing tests run offline; delivery tests need COVEN_TEST_POSTGRES_DSN.

package eventbus

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("COVEN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COVEN_TEST_POSTGRES_DSN not set")
	}
	pool, err := pgxpool.New(t.Context(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPgChannel_CrossChannelDelivery(t *testing.T) {
	pool := testPool(t)
	pub := NewPgChannel(pool, "eventbus_test", nil)
	listener := NewPgChannel(pool, "eventbus_test", nil)
	t.Cleanup(func() { _ = pub.Close(); _ = listener.Close() })

	sub, err := listener.Subscribe(t.Context(), "project:7")
	require.NoError(t, err)
	all, err := listener.Subscribe(t.Context(), AllTopics)
	require.NoError(t, err)

	require.NoError(t, pub.Publish(t.Context(), "project:7", []byte("payload")))

	msg, ok, err := sub.Next(t.Context(), 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload", string(msg.Data))

	msg, ok, err = all.Next(t.Context(), 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "project:7", msg.Topic)
}

func TestPgChannel_PayloadTooLarge(t *testing.T) {
	pool := testPool(t)
	ch := NewPgChannel(pool, "eventbus_test", nil)
	t.Cleanup(func() { _ = ch.Close() })

	err := ch.Publish(t.Context(), "t", []byte(strings.Repeat("x", maxNotifyPayload)))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestPgChannel_DeliversPayloadNearLimit(t *testing.T) {
	pool := testPool(t)
	pub := NewPgChannel(pool, "eventbus_test", nil)
	listener := NewPgChannel(pool, "eventbus_test", nil)
	t.Cleanup(func() { _ = pub.Close(); _ = listener.Close() })

	sub, err := listener.Subscribe(t.Context(), "project:big")
	require.NoError(t, err)

	data := `{"html":"` + strings.Repeat("a", maxNotifyPayload-len("project:big\n")-20) + `"}`
	require.NoError(t, pub.Publish(t.Context(), "project:big", []byte(data)))

	msg, ok, err := sub.Next(t.Context(), 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, data, string(msg.Data))
}

func TestNotificationFraming(t *testing.T) {
	t.Run("round trip keeps data byte for byte", func(t *testing.T) {
		data := `{"type":"plan_created","data":{"planContent":"- [ ] fix \"main.go\"\n"}}`
		payload, err := encodeNotification("project:p", []byte(data))
		require.NoError(t, err)

		msg, ok := decodeNotification(payload)
		require.True(t, ok)
		assert.Equal(t, "project:p", msg.Topic)
		assert.Equal(t, data, string(msg.Data))
	})

	t.Run("data is not re-encoded", func(t *testing.T) {
		data := strings.Repeat("x", 6000)
		payload, err := encodeNotification("project:p", []byte(data))
		require.NoError(t, err)
		assert.Len(t, payload, len("project:p\n")+6000)
	})

	t.Run("largest payload that fits", func(t *testing.T) {
		topic := "project:p"
		fits := strings.Repeat("x", maxNotifyPayload-len(topic)-2)
		_, err := encodeNotification(topic, []byte(fits))
		require.NoError(t, err)

		_, err = encodeNotification(topic, []byte(fits+"x"))
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	})

	t.Run("data may contain newlines", func(t *testing.T) {
		payload, err := encodeNotification("session:s", []byte("a\nb"))
		require.NoError(t, err)
		msg, ok := decodeNotification(payload)
		require.True(t, ok)
		assert.Equal(t, "session:s", msg.Topic)
		assert.Equal(t, "a\nb", string(msg.Data))
	})

	t.Run("invalid topics", func(t *testing.T) {
		_, err := encodeNotification("", []byte("x"))
		assert.ErrorIs(t, err, ErrEmptyTopic)
		_, err = encodeNotification("a\nb", []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidTopic)
	})

	t.Run("payload without topic line is rejected", func(t *testing.T) {
		_, ok := decodeNotification("no newline here")
		assert.False(t, ok)
		_, ok = decodeNotification("\ndata")
		assert.False(t, ok)
	})
}

func TestPgChannel_PublishRejectsOversizeWithoutDatabase(t *testing.T) {
	ch := NewPgChannel(nil, "eventbus_test", nil)
	err := ch.Publish(t.Context(), "project:p", []byte(strings.Repeat("x", maxNotifyPayload)))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}
