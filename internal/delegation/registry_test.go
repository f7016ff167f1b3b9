package delegation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-engine/internal/errors"
	"github.com/pesio-ai/be-approval-engine/internal/logger"
	"github.com/pesio-ai/be-approval-engine/internal/repository/memory"
)

var (
	day1 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 = day1.Add(24 * time.Hour)
	day3 = day2.Add(24 * time.Hour)
	day4 = day3.Add(24 * time.Hour)
)

func newRegistry() *Registry {
	return NewRegistry(memory.NewDelegationStore(), func() time.Time { return day1 }, logger.Nop())
}

func TestCreateValidation(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()

	scenarios := map[string]CreateRequest{
		"missing principal": {DelegateID: "d", StartDate: day1, EndDate: day2},
		"self delegation":   {PrincipalID: "p", DelegateID: "p", StartDate: day1, EndDate: day2},
		"inverted window":   {PrincipalID: "p", DelegateID: "d", StartDate: day3, EndDate: day1},
		"no dates":          {PrincipalID: "p", DelegateID: "d"},
	}
	for name, req := range scenarios {
		t.Run(name, func(t *testing.T) {
			_, err := r.Create(ctx, "", req)
			require.True(t, errors.Is(err, errors.ErrCodeInvalidInput), "got %v", err)
		})
	}
}

func TestCreateRequiresPrincipal(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()
	req := CreateRequest{PrincipalID: "p", DelegateID: "mallory", StartDate: day1, EndDate: day3}

	scenarios := map[string]struct {
		requestedBy string
		wantErr     errors.Code
	}{
		"third party grants itself": {requestedBy: "mallory", wantErr: errors.ErrCodeUnauthorized},
		"someone else":              {requestedBy: "q", wantErr: errors.ErrCodeUnauthorized},
		"principal":                 {requestedBy: "p"},
	}
	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			d, err := r.Create(ctx, sc.requestedBy, req)
			if sc.wantErr != "" {
				require.True(t, errors.Is(err, sc.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "p", d.PrincipalID)
		})
	}

	list, err := r.ListByPrincipal(ctx, "p")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestOverlapRejected(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()

	first, err := r.Create(ctx, "", CreateRequest{PrincipalID: "p", DelegateID: "d", StartDate: day1, EndDate: day3})
	require.NoError(t, err)

	_, err = r.Create(ctx, "", CreateRequest{PrincipalID: "p", DelegateID: "e", StartDate: day3, EndDate: day4})
	require.True(t, errors.Is(err, errors.ErrCodeDelegationOverlap), "got %v", err)

	// other principals are independent
	_, err = r.Create(ctx, "", CreateRequest{PrincipalID: "q", DelegateID: "d", StartDate: day1, EndDate: day4})
	require.NoError(t, err)

	require.NoError(t, r.Revoke(ctx, first.ID, "p"))
	_, err = r.Create(ctx, "", CreateRequest{PrincipalID: "p", DelegateID: "e", StartDate: day3, EndDate: day4})
	require.NoError(t, err)
}

func TestAuthorization(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()
	_, err := r.Create(ctx, "", CreateRequest{
		PrincipalID:      "p",
		DelegateID:       "d",
		StartDate:        day1,
		EndDate:          day3,
		RequestTypeScope: []string{"expense"},
	})
	require.NoError(t, err)

	scenarios := map[string]struct {
		actor       string
		requestType string
		at          time.Time
		want        bool
	}{
		"self":              {"p", "leave", day2, true},
		"delegate in scope": {"d", "expense", day2, true},
		"window start":      {"d", "expense", day1, true},
		"window end":        {"d", "expense", day3, true},
		"end day afternoon": {"d", "expense", day3.Add(15 * time.Hour), true},
		"end day last tick": {"d", "expense", day4.Add(-time.Nanosecond), true},
		"after window":      {"d", "expense", day4, false},
		"before window":     {"d", "expense", day1.Add(-time.Minute), false},
		"scope mismatch":    {"d", "leave", day2, false},
		"stranger":          {"x", "expense", day2, false},
		"empty actor":       {"", "expense", day2, false},
	}
	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			ok, err := r.IsAuthorized(ctx, "p", sc.actor, sc.requestType, "acme", sc.at)
			require.NoError(t, err)
			require.Equal(t, sc.want, ok)
		})
	}

	id, ok, err := r.FindActiveDelegate(ctx, "p", day2, "expense", "acme")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "d", id)
}

func TestWindowCoversWholeDays(t *testing.T) {
	ctx := context.Background()

	scenarios := map[string]struct {
		first, second [2]time.Time
		overlap       bool
	}{
		"same end day, later hour": {
			first:   [2]time.Time{day1, day2},
			second:  [2]time.Time{day2.Add(18 * time.Hour), day4},
			overlap: true,
		},
		"midday bounds on one day": {
			first:   [2]time.Time{day1.Add(9 * time.Hour), day1.Add(9 * time.Hour)},
			second:  [2]time.Time{day1.Add(20 * time.Hour), day2},
			overlap: true,
		},
		"adjacent days": {
			first:  [2]time.Time{day1, day2},
			second: [2]time.Time{day3, day4},
		},
	}
	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			r := newRegistry()
			_, err := r.Create(ctx, "p", CreateRequest{PrincipalID: "p", DelegateID: "d", StartDate: sc.first[0], EndDate: sc.first[1]})
			require.NoError(t, err)
			_, err = r.Create(ctx, "p", CreateRequest{PrincipalID: "p", DelegateID: "e", StartDate: sc.second[0], EndDate: sc.second[1]})
			if sc.overlap {
				require.True(t, errors.Is(err, errors.ErrCodeDelegationOverlap), "got %v", err)
				return
			}
			require.NoError(t, err)
		})
	}

	r := newRegistry()
	_, err := r.Create(ctx, "p", CreateRequest{PrincipalID: "p", DelegateID: "d", StartDate: day1, EndDate: day3.Add(9 * time.Hour)})
	require.NoError(t, err)
	ok, err := r.IsAuthorized(ctx, "p", "d", "expense", "acme", day3.Add(23*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDelegationIsSingleHop(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()
	_, err := r.Create(ctx, "", CreateRequest{PrincipalID: "p", DelegateID: "d", StartDate: day1, EndDate: day3})
	require.NoError(t, err)
	_, err = r.Create(ctx, "", CreateRequest{PrincipalID: "d", DelegateID: "e", StartDate: day1, EndDate: day3})
	require.NoError(t, err)

	ok, err := r.IsAuthorized(ctx, "p", "e", "leave", "acme", day2)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpdateAndRevoke(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()
	d, err := r.Create(ctx, "", CreateRequest{PrincipalID: "p", DelegateID: "d", StartDate: day1, EndDate: day2})
	require.NoError(t, err)

	_, err = r.Update(ctx, d.ID, "intruder", UpdateRequest{EndDate: &day4})
	require.True(t, errors.Is(err, errors.ErrCodeUnauthorized))

	updated, err := r.Update(ctx, d.ID, "p", UpdateRequest{EndDate: &day4, CompanyScope: &[]string{"acme"}})
	require.NoError(t, err)
	require.Equal(t, day4, updated.EndDate)
	require.Equal(t, []string{"acme"}, updated.CompanyScope)

	_, err = r.Update(ctx, d.ID, "p", UpdateRequest{EndDate: &day1, StartDate: &day2})
	require.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	active, err := r.ActiveFor(ctx, "d", day3)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, r.Revoke(ctx, d.ID, ""))
	active, err = r.ActiveFor(ctx, "d", day3)
	require.NoError(t, err)
	require.Empty(t, active)

	list, err := r.ListByPrincipal(ctx, "p")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.False(t, list[0].IsActive)

	_, err = r.Get(ctx, "missing")
	require.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestListByPrincipalEmpty(t *testing.T) {
	list, err := newRegistry().ListByPrincipal(context.Background(), "nobody")
	require.NoError(t, err)
	require.Empty(t, list)
}
