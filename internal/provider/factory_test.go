package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerd/internal/config"
	"brokerd/internal/core"
	"brokerd/pkg/logging"
)

func TestNewSelectsConfiguredProvider(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	cases := []struct {
		provider string
		want     string
	}{
		{"ib", "ib"},
		{"etrade", "etrade"},
		{"mock", "mock"},
		{" Mock ", "mock"},
	}
	for _, tc := range cases {
		cfg := &config.Config{Provider: tc.provider}
		p, err := New(cfg, logger, nil, nil)
		require.NoError(t, err, tc.provider)
		assert.Equal(t, tc.want, p.Name())
	}
}

func TestNewUnknownProvider(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	_, err = New(&config.Config{Provider: "paper"}, logger, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider: paper")
}

func TestNewInstallsSink(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	received := make(chan core.Event, 1)
	sink := func(event core.Event) { received <- event }

	p, err := New(&config.Config{Provider: "mock"}, logger, nil, sink)
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	defer func() { _ = p.Stop(context.Background()) }()

	select {
	case event := <-received:
		assert.Equal(t, core.TopicConnection, event.Topic)
	default:
		t.Fatal("expected a connection event through the installed sink")
	}
}
