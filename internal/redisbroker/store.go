package redisbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"librarian/internal/config"
	"librarian/internal/queue"
)

const stalledReason = "job stalled and has no attempts left"

// Store is a queue.Backend persisted in Redis.
type Store struct {
	client *redis.Client
	prefix string
}

var _ queue.Backend = (*Store)(nil)

// Open connects to the Redis server named in cfg and verifies it answers.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr(),
		Password:    cfg.Broker.Password,
		DB:          cfg.Broker.DB,
		DialTimeout: cfg.Broker.DialTimeout.Std(),
	})
	timeout := cfg.Broker.DialTimeout.Std()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connect %s: %w", cfg.RedisAddr(), err)
	}
	return New(client, cfg.Broker.Prefix), nil
}

// New wraps an existing client. prefix namespaces every key.
func New(client *redis.Client, prefix string) *Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "librarian"
	}
	return &Store{client: client, prefix: prefix}
}

type keys struct {
	base string
}

func (s *Store) keys(queueName string) keys {
	return keys{base: s.prefix + ":{" + queueName + "}:"}
}

func (k keys) job(id string) string { return k.base + "job:" + id }
func (k keys) wait() string         { return k.base + "wait" }
func (k keys) delayed() string      { return k.base + "delayed" }
func (k keys) active() string       { return k.base + "active" }
func (k keys) completed() string    { return k.base + "completed" }
func (k keys) failed() string       { return k.base + "failed" }
func (k keys) seq() string          { return k.base + "seq" }
func (k keys) repeatDefs() string   { return k.base + "repeat:defs" }
func (k keys) repeatNext() string   { return k.base + "repeat:next" }

func (k keys) forState(st queue.State) string {
	switch st {
	case queue.StateWaiting:
		return k.wait()
	case queue.StateDelayed:
		return k.delayed()
	case queue.StateActive:
		return k.active()
	case queue.StateCompleted:
		return k.completed()
	default:
		return k.failed()
	}
}

func priorityRank(priority int) int {
	if priority <= 0 {
		return queue.MaxPriority + 1
	}
	return priority
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func payloadString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

// Add stores job unless one with the same ID exists.
func (s *Store) Add(ctx context.Context, job *queue.Job) (*queue.Job, error) {
	if job == nil || job.ID == "" || job.Queue == "" {
		return nil, errors.New("job id and queue are required")
	}
	opts, err := json.Marshal(job.Opts)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	state := queue.StateWaiting
	if job.State == queue.StateDelayed {
		state = queue.StateDelayed
	}
	k := s.keys(job.Queue)
	err = addScript.Run(ctx, s.client,
		[]string{k.job(job.ID), k.wait(), k.delayed(), k.seq()},
		job.ID, job.Queue, job.Name, payloadString(job.Data), string(opts), string(state),
		priorityRank(job.Opts.Priority), job.Opts.Attempts, millis(job.RunAt), millis(job.CreatedAt),
	).Err()
	if err != nil {
		return nil, fmt.Errorf("add job: %w", err)
	}
	return s.Get(ctx, job.Queue, job.ID)
}

// Reserve claims the next due job.
func (s *Store) Reserve(ctx context.Context, queueName string, lease time.Duration, now time.Time) (*queue.Job, error) {
	k := s.keys(queueName)
	token := uuid.NewString()
	id, err := reserveScript.Run(ctx, s.client,
		[]string{k.wait(), k.delayed(), k.active()},
		k.base, millis(now), millis(now.Add(lease)), token,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve job: %w", err)
	}
	return s.Get(ctx, queueName, id)
}

func (s *Store) Extend(ctx context.Context, queueName, id, token string, lease time.Duration, now time.Time) error {
	k := s.keys(queueName)
	n, err := extendScript.Run(ctx, s.client, []string{k.job(id), k.active()}, id, token, millis(now.Add(lease))).Int()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return requireApplied(n, id)
}

func (s *Store) UpdateProgress(ctx context.Context, queueName, id, token string, progress float64) error {
	k := s.keys(queueName)
	n, err := progressScript.Run(ctx, s.client, []string{k.job(id)}, token, progress).Int()
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return requireApplied(n, id)
}

func (s *Store) Complete(ctx context.Context, queueName, id string, out queue.Outcome) error {
	return s.finish(ctx, queueName, id, queue.StateCompleted, payloadString(out.ReturnValue), out)
}

func (s *Store) Fail(ctx context.Context, queueName, id string, out queue.Outcome) error {
	return s.finish(ctx, queueName, id, queue.StateFailed, out.Reason, out)
}

func (s *Store) finish(ctx context.Context, queueName, id string, state queue.State, value string, out queue.Outcome) error {
	k := s.keys(queueName)
	cutoff := int64(-1)
	if out.Keep.Age > 0 {
		cutoff = millis(out.At.Add(-out.Keep.Age))
	}
	n, err := finishScript.Run(ctx, s.client,
		[]string{k.job(id), k.active(), k.forState(state)},
		id, out.Token, string(state), millis(out.At), value, cutoff, out.Keep.Count, k.base,
	).Int()
	if err != nil {
		return fmt.Errorf("%s job: %w", state, err)
	}
	return requireApplied(n, id)
}

func (s *Store) Retry(ctx context.Context, queueName, id string, out queue.Outcome) error {
	k := s.keys(queueName)
	runAt := out.RunAt
	if runAt.IsZero() {
		runAt = out.At
	}
	n, err := retryScript.Run(ctx, s.client,
		[]string{k.job(id), k.active(), k.wait(), k.delayed()},
		id, out.Token, out.Reason, millis(runAt), millis(out.At),
	).Int()
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return requireApplied(n, id)
}

// Get loads one job hash.
func (s *Store) Get(ctx context.Context, queueName, id string) (*queue.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.keys(queueName).job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", queue.ErrJobNotFound, queueName, id)
	}
	job, err := decodeJob(fields)
	if err != nil {
		return nil, err
	}
	return job.Bind(s), nil
}

// List returns jobs in the given states, newest first.
func (s *Store) List(ctx context.Context, queueName string, states []queue.State) ([]*queue.Job, error) {
	if len(states) == 0 {
		states = queue.AllStates
	}
	k := s.keys(queueName)

	pipe := s.client.Pipeline()
	idCmds := make([]*redis.StringSliceCmd, 0, len(states))
	for _, st := range states {
		idCmds = append(idCmds, pipe.ZRange(ctx, k.forState(st), 0, -1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list job ids: %w", err)
	}

	pipe = s.client.Pipeline()
	var hashCmds []*redis.MapStringStringCmd
	for _, cmd := range idCmds {
		for _, id := range cmd.Val() {
			hashCmds = append(hashCmds, pipe.HGetAll(ctx, k.job(id)))
		}
	}
	if len(hashCmds) == 0 {
		return nil, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	type ordered struct {
		job *queue.Job
		seq int64
	}
	rows := make([]ordered, 0, len(hashCmds))
	for _, cmd := range hashCmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := decodeJob(fields)
		if err != nil {
			return nil, err
		}
		seq, _ := strconv.ParseInt(fields["seq"], 10, 64)
		rows = append(rows, ordered{job: job.Bind(s), seq: seq})
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].job.CreatedAt.Equal(rows[j].job.CreatedAt) {
			return rows[i].job.CreatedAt.After(rows[j].job.CreatedAt)
		}
		return rows[i].seq > rows[j].seq
	})
	jobs := make([]*queue.Job, len(rows))
	for i, r := range rows {
		jobs[i] = r.job
	}
	return jobs, nil
}

func (s *Store) Counts(ctx context.Context, queueName string) (queue.Counts, error) {
	k := s.keys(queueName)
	pipe := s.client.Pipeline()
	waiting := pipe.ZCard(ctx, k.wait())
	delayed := pipe.ZCard(ctx, k.delayed())
	active := pipe.ZCard(ctx, k.active())
	completed := pipe.ZCard(ctx, k.completed())
	failed := pipe.ZCard(ctx, k.failed())
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Counts{}, fmt.Errorf("count jobs: %w", err)
	}
	return queue.Counts{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (s *Store) RecoverStalled(ctx context.Context, queueName string, now time.Time) ([]string, []string, error) {
	k := s.keys(queueName)
	res, err := stalledScript.Run(ctx, s.client,
		[]string{k.active(), k.wait(), k.failed()},
		millis(now), k.base, stalledReason,
	).Slice()
	if err != nil {
		return nil, nil, fmt.Errorf("recover stalled jobs: %w", err)
	}
	if len(res) != 2 {
		return nil, nil, fmt.Errorf("recover stalled jobs: unexpected reply %v", res)
	}
	return toStrings(res[0]), toStrings(res[1]), nil
}

// repeatDef is the JSON stored in repeat:defs. data and opts stay encoded
// strings so the promote script copies them verbatim.
type repeatDef struct {
	Every    int64  `json:"every"`
	Data     string `json:"data"`
	Opts     string `json:"opts"`
	Rank     int    `json:"rank"`
	Attempts int    `json:"attempts"`
}

func (s *Store) UpsertRepeat(ctx context.Context, r queue.Repeat) error {
	opts, err := json.Marshal(r.Opts)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	def, err := json.Marshal(repeatDef{
		Every:    r.Every.Milliseconds(),
		Data:     payloadString(r.Data),
		Opts:     string(opts),
		Rank:     priorityRank(r.Opts.Priority),
		Attempts: r.Opts.Attempts,
	})
	if err != nil {
		return fmt.Errorf("encode repeat: %w", err)
	}
	k := s.keys(r.Queue)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k.repeatDefs(), r.Name, string(def))
		pipe.ZAdd(ctx, k.repeatNext(), redis.Z{Score: float64(millis(r.NextRun)), Member: r.Name})
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert repeat: %w", err)
	}
	return nil
}

func (s *Store) RemoveRepeat(ctx context.Context, queueName, name string) (bool, error) {
	k := s.keys(queueName)
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, k.repeatDefs(), name)
		pipe.ZRem(ctx, k.repeatNext(), name)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("remove repeat: %w", err)
	}
	return removed.Val() > 0, nil
}

func (s *Store) Repeats(ctx context.Context, queueName string) ([]queue.Repeat, error) {
	k := s.keys(queueName)
	defs, err := s.client.HGetAll(ctx, k.repeatDefs()).Result()
	if err != nil {
		return nil, fmt.Errorf("list repeats: %w", err)
	}
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]queue.Repeat, 0, len(names))
	for _, name := range names {
		var def repeatDef
		if err := json.Unmarshal([]byte(defs[name]), &def); err != nil {
			return nil, fmt.Errorf("decode repeat %s: %w", name, err)
		}
		r := queue.Repeat{
			Queue: queueName,
			Name:  name,
			Every: time.Duration(def.Every) * time.Millisecond,
			Data:  json.RawMessage(def.Data),
		}
		if err := json.Unmarshal([]byte(def.Opts), &r.Opts); err != nil {
			return nil, fmt.Errorf("decode repeat %s options: %w", name, err)
		}
		score, err := s.client.ZScore(ctx, k.repeatNext(), name).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("read repeat %s schedule: %w", name, err)
		}
		r.NextRun = time.UnixMilli(int64(score)).UTC()
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) PromoteRepeats(ctx context.Context, queueName string, now time.Time) (int, error) {
	k := s.keys(queueName)
	n, err := promoteScript.Run(ctx, s.client,
		[]string{k.repeatNext(), k.repeatDefs(), k.wait(), k.seq()},
		millis(now), k.base, queueName,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote repeats: %w", err)
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Flush deletes every key of queueName. Tests only.
func (s *Store) Flush(ctx context.Context, queueName string) error {
	iter := s.client.Scan(ctx, 0, s.keys(queueName).base+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func requireApplied(n int, id string) error {
	if n == 0 {
		return fmt.Errorf("%w: %s", queue.ErrLeaseLost, id)
	}
	return nil
}

func toStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func decodeJob(fields map[string]string) (*queue.Job, error) {
	job := &queue.Job{
		ID:           fields["id"],
		Queue:        fields["queue"],
		Name:         fields["name"],
		State:        queue.State(fields["state"]),
		FailedReason: fields["failedReason"],
		Token:        fields["token"],
		RunAt:        parseMillis(fields["runAt"]),
		CreatedAt:    parseMillis(fields["createdAt"]),
		ProcessedAt:  parseMillis(fields["processedAt"]),
		FinishedAt:   parseMillis(fields["finishedAt"]),
	}
	if raw := fields["data"]; raw != "" {
		job.Data = json.RawMessage(raw)
	}
	if raw := fields["returnValue"]; raw != "" && raw != "null" {
		job.ReturnValue = json.RawMessage(raw)
	}
	job.AttemptsMade, _ = strconv.Atoi(fields["attemptsMade"])
	job.Progress, _ = strconv.ParseFloat(fields["progress"], 64)
	if err := json.Unmarshal([]byte(fields["opts"]), &job.Opts); err != nil {
		return nil, fmt.Errorf("decode options for job %s: %w", job.ID, err)
	}
	return job, nil
}

func parseMillis(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return time.Time{}
		}
		ms = int64(f)
	}
	return time.UnixMilli(ms).UTC()
}
