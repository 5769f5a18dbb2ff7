package api

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	logx "reportd/pkg/logx"
)

func TestClientRoundTrip(t *testing.T) {
	t.Parallel()
	sched := newFakeScheduler()
	srv := httptest.NewServer(Handler(NewService(sched, fakeHistory{{ID: "t1", Name: "report:x", Status: "success"}}, logx.Nop()), "tok"))
	defer srv.Close()
	ctx := context.Background()

	c := NewClient(srv.URL+"/", "tok")
	res, err := c.ScheduleReport(ctx, validRequest())
	require.NoError(t, err)
	require.NotEmpty(t, res.ID)

	jobs, err := c.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	firings, err := c.Firings(ctx)
	require.NoError(t, err)
	require.Len(t, firings, 1)

	removed, err := c.CancelSchedule(ctx, res.ID)
	require.NoError(t, err)
	require.True(t, removed)
}

func TestClientErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(Handler(NewService(newFakeScheduler(), nil, logx.Nop()), "tok"))
	defer srv.Close()
	ctx := context.Background()

	_, err := NewClient(srv.URL, "wrong").ListSchedules(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 401, apiErr.Status)

	req := validRequest()
	req.Delivery.Recipients = []string{"nope"}
	_, err = NewClient(srv.URL, "tok").ScheduleReport(ctx, req)
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 400, apiErr.Status)
	require.Equal(t, "invalid_config", apiErr.Kind)
	require.Equal(t, "delivery.recipients[0]", apiErr.Field)
}
