package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/config"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/database"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeStore возвращает заданные ожидания и запоминает вызовы.
type fakeStore struct {
	mu    sync.Mutex
	calls []string
	wait  time.Duration
	err   error
}

func (s *fakeStore) Take(_ context.Context, key string, _ Bucket) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, key)
	return s.wait, s.err
}

func TestLimiter_RuleMatching(t *testing.T) {
	store := &fakeStore{}
	limiter, err := NewLimiter(store, []Rule{
		{Prefix: KeyAirtableGlobal, Bucket: BucketForRPS(45)},
		{Prefix: KeyAirtableBasePrefix, Bucket: BucketForRPS(5)},
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	if err := limiter.Wait(context.Background(), KeyAirtableGlobal, AirtableBaseKey("app1"), "unknown:key"); err != nil {
		t.Fatalf("Ошибка Wait: %v", err)
	}

	// Ключ без правила не ограничивается и в хранилище не попадает
	want := []string{"airtable:global", "airtable:base:app1"}
	if len(store.calls) != len(want) {
		t.Fatalf("вызовы хранилища %v, хотели %v", store.calls, want)
	}
	for i := range want {
		if store.calls[i] != want[i] {
			t.Errorf("вызов %d = %q, хотели %q", i, store.calls[i], want[i])
		}
	}
}

func TestLimiter_InvalidBucket(t *testing.T) {
	_, err := NewLimiter(&fakeStore{}, []Rule{{Prefix: "x", Bucket: Bucket{Rate: 0, Burst: 1}}}, testLogger())
	if err == nil {
		t.Error("ожидается ошибка для rate=0")
	}
}

func TestLimiter_WaitCanceled(t *testing.T) {
	store := &fakeStore{wait: time.Minute}
	limiter, err := NewLimiter(store, []Rule{{Prefix: KeyLoops, Bucket: BucketForRPS(1)}}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = limiter.Wait(ctx, KeyLoops)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ожидается DeadlineExceeded, получено %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Wait не прервался по контексту")
	}
}

func TestLimiter_StoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	limiter, err := NewLimiter(store, []Rule{{Prefix: KeyLoops, Bucket: BucketForRPS(1)}}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := limiter.Wait(context.Background(), KeyLoops); err == nil {
		t.Error("ожидается ошибка хранилища")
	}
}

func TestMemoryStore_Burst(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	b := Bucket{Rate: 2, Burst: 2}
	for i := 0; i < 2; i++ {
		wait, err := store.Take(context.Background(), "k", b)
		if err != nil {
			t.Fatal(err)
		}
		if wait != 0 {
			t.Errorf("токен %d: ожидание %s, хотели 0", i, wait)
		}
	}

	wait, err := store.Take(context.Background(), "k", b)
	if err != nil {
		t.Fatal(err)
	}
	if wait != 500*time.Millisecond {
		t.Errorf("третий токен: ожидание %s, хотели 500ms", wait)
	}

	// Другой ключ — независимое ведро
	wait, _ = store.Take(context.Background(), "other", b)
	if wait != 0 {
		t.Errorf("другой ключ: ожидание %s, хотели 0", wait)
	}
}

func TestBucket_WaitFor(t *testing.T) {
	b := Bucket{Rate: 4, Burst: 4}
	if w := b.waitFor(1); w != 0 {
		t.Errorf("waitFor(1) = %s", w)
	}
	if w := b.waitFor(-2); w != 500*time.Millisecond {
		t.Errorf("waitFor(-2) = %s, хотели 500ms", w)
	}
}

func TestBucketForRPS(t *testing.T) {
	if b := BucketForRPS(0.5); b.Burst != 1 || b.Rate != 0.5 {
		t.Errorf("BucketForRPS(0.5) = %+v", b)
	}
	if b := BucketForRPS(45); b.Burst != 45 {
		t.Errorf("BucketForRPS(45).Burst = %v", b.Burst)
	}
}

// takeN списывает n токенов и возвращает ожидание последнего.
func takeN(t *testing.T, store Store, key string, b Bucket, n int) time.Duration {
	t.Helper()
	var last time.Duration
	for i := 0; i < n; i++ {
		wait, err := store.Take(context.Background(), key, b)
		if err != nil {
			t.Fatalf("Ошибка Take: %v", err)
		}
		last = wait
	}
	return last
}

func TestPostgresStore_Integration(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("integrator_test"),
		postgres.WithUsername("integrator"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "5432")
	cfg := &config.Config{
		DBHost: host, DBPort: port.Int(), DBName: "integrator_test",
		DBUser: "integrator", DBPassword: "test-password", DBSSLMode: "disable",
	}
	if err := database.Migrate(cfg, testLogger()); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseDSN())
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(pool.Close)

	store := NewPostgresStore(pool)
	b := Bucket{Rate: 1, Burst: 3}

	if wait := takeN(t, store, "airtable:global", b, 3); wait != 0 {
		t.Errorf("в пределах burst ожидание %s, хотели 0", wait)
	}
	// Четвёртый токен — долг около одной секунды
	wait := takeN(t, store, "airtable:global", b, 1)
	if wait < 900*time.Millisecond || wait > time.Second {
		t.Errorf("ожидание четвёртого токена %s, хотели ~1s", wait)
	}
}

func TestRedisStore_Integration(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "docker.io/redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Не удалось запустить Redis контейнер: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client, "test:")
	b := Bucket{Rate: 2, Burst: 2}

	if wait := takeN(t, store, KeyLoops, b, 2); wait != 0 {
		t.Errorf("в пределах burst ожидание %s, хотели 0", wait)
	}
	wait := takeN(t, store, KeyLoops, b, 1)
	if wait < 400*time.Millisecond || wait > 500*time.Millisecond {
		t.Errorf("ожидание третьего токена %s, хотели ~500ms", wait)
	}

	exists, err := client.Exists(ctx, "test:"+KeyLoops).Result()
	if err != nil || exists != 1 {
		t.Errorf("ключ ведра не найден в Redis: exists=%d err=%v", exists, err)
	}

	// Долг в 200s больше времени наполнения пустого ведра (100s):
	// ключ не должен истечь, пока очередь не отработана.
	slow := Bucket{Rate: 0.01, Burst: 1}
	if wait := takeN(t, store, KeyAirtableGlobal, slow, 3); wait < 199*time.Second {
		t.Errorf("ожидание третьего токена %s, хотели ~200s", wait)
	}
	ttl, err := client.TTL(ctx, "test:"+KeyAirtableGlobal).Result()
	if err != nil {
		t.Fatalf("Ошибка TTL: %v", err)
	}
	// ceil((1 - (-2)) / 0.01) + 60
	if ttl < 350*time.Second || ttl > 360*time.Second {
		t.Errorf("TTL ключа %s, хотели ~360s", ttl)
	}
}
