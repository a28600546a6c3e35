package secret

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	val   string
	err   error
	calls int
	names []string
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	f.names = append(f.names, name)
	return f.val, f.err
}

func TestNewToken_Validation(t *testing.T) {
	_, err := NewToken(nil, "/x")
	require.ErrorContains(t, err, "must not be nil")
	_, err = NewToken(&fakeGetter{}, " ")
	require.ErrorContains(t, err, "empty")
}

func TestToken_FetchedOnce(t *testing.T) {
	g := &fakeGetter{val: `{"token":"sk-from-ssm"}`}
	tok, err := NewToken(g, " /onboarding-agent/open-ai-token ")
	require.NoError(t, err)
	require.Equal(t, "/onboarding-agent/open-ai-token", tok.Name())

	for i := 0; i < 3; i++ {
		v, err := tok.Get(context.Background())
		require.NoError(t, err)
		require.Equal(t, "sk-from-ssm", v)
	}
	require.Equal(t, 1, g.calls)
	require.Equal(t, []string{"/onboarding-agent/open-ai-token"}, g.names)
}

func TestToken_ErrorNotCached(t *testing.T) {
	g := &fakeGetter{err: errors.New("ssm unavailable")}
	tok, err := NewToken(g, "/onboarding-agent/open-ai-token")
	require.NoError(t, err)

	_, err = tok.Get(context.Background())
	require.ErrorContains(t, err, "ssm unavailable")

	g.err = nil
	g.val = `{"token":"sk-later"}`
	v, err := tok.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-later", v)
	require.Equal(t, 2, g.calls)
}

func TestFetch(t *testing.T) {
	cases := []struct {
		name    string
		getter  Getter
		want    string
		wantErr string
	}{
		{"json token", &fakeGetter{val: `{"token":"sk-from-json"}`}, "sk-from-json", ""},
		{"trimmed", &fakeGetter{val: `{"token":"  sk  "}`}, "sk", ""},
		{"missing field", &fakeGetter{val: `{"other":"value"}`}, "", "token is empty"},
		{"malformed", &fakeGetter{val: `{"broken`}, "", "unmarshal"},
		{"getter error", &fakeGetter{err: errors.New("ssm unavailable")}, "", "ssm unavailable"},
		{"nil getter", nil, "", "nil"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Fetch(context.Background(), tc.getter, "/onboarding-agent/token")
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
