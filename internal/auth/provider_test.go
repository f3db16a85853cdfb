package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/tickmux/internal/api"
)

type fakeIssuer struct {
	calls   atomic.Int32
	err     error
	expires time.Duration
	delay   time.Duration
}

func (f *fakeIssuer) IssueToken(ctx context.Context) (api.Token, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return api.Token{}, f.err
	}
	tok := api.Token{Value: "tok-" + string(rune('0'+n)), Type: "bearer"}
	if f.expires != 0 {
		tok.ExpiresAt = time.Now().Add(f.expires).Truncate(time.Second)
	}
	return tok, nil
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestStaticProvider(t *testing.T) {
	tok, err := StaticProvider(" abc ").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = StaticProvider("").Token(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestCachingProvider_CachesInMemory(t *testing.T) {
	issuer := &fakeIssuer{expires: time.Hour}
	p := NewCachingProvider(DefaultConfig(), issuer, nil, nil)
	ctx := context.Background()

	first, err := p.Token(ctx)
	require.NoError(t, err)
	second, err := p.Token(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, issuer.calls.Load())
}

func TestCachingProvider_RefreshesNearExpiry(t *testing.T) {
	issuer := &fakeIssuer{expires: time.Hour}
	p := NewCachingProvider(Config{ExpiryMargin: 10 * time.Minute}, issuer, nil, nil)
	ctx := context.Background()

	_, err := p.Token(ctx)
	require.NoError(t, err)

	// Inside the margin the cached token is no longer handed out.
	p.now = func() time.Time { return time.Now().Add(55 * time.Minute) }
	tok, err := p.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.EqualValues(t, 2, issuer.calls.Load())
}

func TestCachingProvider_Invalidate(t *testing.T) {
	issuer := &fakeIssuer{}
	p := NewCachingProvider(DefaultConfig(), issuer, nil, nil)
	ctx := context.Background()

	tok, err := p.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	require.NoError(t, p.Invalidate(ctx))

	tok, err = p.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestCachingProvider_IssueError(t *testing.T) {
	issuer := &fakeIssuer{err: &api.APIError{StatusCode: 401, Message: "Unauthorized"}}
	p := NewCachingProvider(DefaultConfig(), issuer, nil, nil)

	_, err := p.Token(context.Background())
	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.StatusCode)

	// Failures are not cached.
	_, err = p.Token(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 2, issuer.calls.Load())
}

func TestCachingProvider_ConcurrentMissesShareOneIssue(t *testing.T) {
	issuer := &fakeIssuer{delay: 50 * time.Millisecond}
	p := NewCachingProvider(DefaultConfig(), issuer, nil, nil)

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := p.Token(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, issuer.calls.Load())
	for _, tok := range tokens {
		assert.Equal(t, "tok-1", tok)
	}
}

func TestCachingProvider_Redis(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	issuer := &fakeIssuer{expires: time.Hour}
	p := NewCachingProvider(DefaultConfig(), issuer, NewRedisStore(client, "kiwoom:token"), nil)

	tok, err := p.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	assert.True(t, mr.Exists("kiwoom:token"))
	ttl := mr.TTL("kiwoom:token")
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)

	// A second provider on the same Redis reuses the token.
	other := &fakeIssuer{expires: time.Hour}
	p2 := NewCachingProvider(DefaultConfig(), other, NewRedisStore(client, "kiwoom:token"), nil)
	tok2, err := p2.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok, tok2)
	assert.EqualValues(t, 0, other.calls.Load())

	require.NoError(t, p2.Invalidate(ctx))
	assert.False(t, mr.Exists("kiwoom:token"))
}

func TestCachingProvider_RedisExpiry(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	issuer := &fakeIssuer{expires: time.Hour}
	p := NewCachingProvider(DefaultConfig(), issuer, NewRedisStore(client, ""), nil)

	_, err := p.Token(ctx)
	require.NoError(t, err)
	assert.True(t, mr.Exists(DefaultRedisKey))

	mr.FastForward(2 * time.Hour)

	tok, err := p.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestCachingProvider_RedisDownFallsBackToIssue(t *testing.T) {
	mr, client := newRedis(t)
	mr.Close()

	issuer := &fakeIssuer{}
	p := NewCachingProvider(DefaultConfig(), issuer, NewRedisStore(client, ""), nil)

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	err = p.Invalidate(context.Background())
	assert.Error(t, err)
}

func TestRedisStore_Corrupt(t *testing.T) {
	mr, client := newRedis(t)
	require.NoError(t, mr.Set(DefaultRedisKey, "not json"))

	_, _, err := NewRedisStore(client, "").Load(context.Background())
	assert.Error(t, err)
}

func TestRedisStore_NoExpiry(t *testing.T) {
	mr, client := newRedis(t)
	s := NewRedisStore(client, "")
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, api.Token{Value: "abc"}))
	assert.Equal(t, time.Duration(0), mr.TTL(DefaultRedisKey))

	tok, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", tok.Value)
	assert.True(t, tok.ExpiresAt.IsZero())

	// Already-expired tokens are not written.
	require.NoError(t, s.Delete(ctx))
	require.NoError(t, s.Save(ctx, api.Token{Value: "old", ExpiresAt: time.Now().Add(-time.Minute)}))
	_, ok, err = s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

var _ TokenProvider = (*CachingProvider)(nil)
