package biencoder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/soundprediction/biencoder/pkg/crossencoder"
	"github.com/soundprediction/biencoder/pkg/encoder"
	"github.com/soundprediction/biencoder/pkg/loss"
	"github.com/soundprediction/biencoder/pkg/optim"
	"github.com/soundprediction/biencoder/pkg/telemetry"
	"github.com/soundprediction/biencoder/pkg/utils"
)

// Model is a dual-encoder retrieval model plus everything needed to train
// and evaluate it. Construct it with New; the Args snapshot is fixed for
// the model's lifetime.
type Model struct {
	args           Args
	queryEncoder   encoder.Encoder
	contextEncoder encoder.Encoder
	tied           bool
	tokenizer      encoder.Tokenizer
	projector      *encoder.Projector
	lossEngine     *loss.Engine
	teacher        crossencoder.Scorer
	reducer        AllReducer
	sink           telemetry.Sink
	logger         *slog.Logger

	freezeQuery   bool
	freezeContext bool
}

// Option configures optional collaborators on a Model.
type Option func(*Model)

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Model) { m.logger = l }
}

// WithSink attaches an experiment-tracking sink. Metrics are fire-and-
// forget; the sink never fails training.
func WithSink(s telemetry.Sink) Option {
	return func(m *Model) { m.sink = s }
}

// WithTeacher attaches the frozen cross-encoder used for unified rerank
// distillation.
func WithTeacher(t crossencoder.Scorer) Option {
	return func(m *Model) { m.teacher = t }
}

// WithAllReducer enables distributed data parallelism through the given
// gradient reducer.
func WithAllReducer(r AllReducer) Option {
	return func(m *Model) { m.reducer = r }
}

// WithFrozenQueryEncoder excludes the query encoder's parameters from
// optimization.
func WithFrozenQueryEncoder() Option {
	return func(m *Model) { m.freezeQuery = true }
}

// WithFrozenContextEncoder excludes the context encoder's parameters from
// optimization.
func WithFrozenContextEncoder() Option {
	return func(m *Model) { m.freezeContext = true }
}

// New builds a model. A nil contextEnc ties the two towers to the same
// encoder. Configuration errors surface here, before any training work.
func New(args Args, queryEnc, contextEnc encoder.Encoder, tok encoder.Tokenizer, opts ...Option) (*Model, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if queryEnc == nil {
		return nil, fmt.Errorf("a query encoder is required")
	}
	if tok == nil {
		return nil, fmt.Errorf("a tokenizer is required")
	}

	tied := contextEnc == nil
	if tied {
		contextEnc = queryEnc
	}

	mode := encoder.ModeStandard
	if args.UnifiedRerank {
		mode = encoder.ModeUnified
	}

	lossEngine, err := loss.NewEngine(loss.Config{
		IncludeTriplet: args.IncludeTriplet,
		TripletMargin:  args.TripletMargin,
		NLLLambda:      args.NLLLambda,
		IncludeBCE:     args.IncludeBCE,
		SumWithNLL:     args.SumWithNLL,
		RerankLambda:   args.RerankLambda,
	})
	if err != nil {
		return nil, err
	}

	// Optimizer state is keyed by parameter name, so the towers must not
	// collide when both expose an identically named tensor.
	prefixParameters("query_encoder.", queryEnc.Parameters())
	if !tied {
		prefixParameters("context_encoder.", contextEnc.Parameters())
	}

	m := &Model{
		args:           args,
		queryEncoder:   queryEnc,
		contextEncoder: contextEnc,
		tied:           tied,
		tokenizer:      tok,
		projector:      encoder.NewProjector(mode, args.SummaryTokens, args.DropoutProb, args.Seed),
		lossEngine:     lossEngine,
		sink:           telemetry.NopSink{},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if args.DistributedDataParallel && m.reducer == nil {
		return nil, fmt.Errorf("distributed_data_parallel requires an AllReducer")
	}
	return m, nil
}

// Args returns the configuration snapshot the model was built with.
func (m *Model) Args() Args {
	return m.args
}

func prefixParameters(prefix string, params []*optim.Parameter) {
	for _, p := range params {
		if !strings.HasPrefix(p.Name, prefix) {
			p.Name = prefix + p.Name
		}
	}
}

// parameters collects the trainable weights, deduplicating tied towers and
// honoring frozen encoders.
func (m *Model) parameters() []*optim.Parameter {
	var params []*optim.Parameter
	if !m.freezeQuery {
		params = append(params, m.queryEncoder.Parameters()...)
	}
	if !m.freezeContext && !m.tied {
		params = append(params, m.contextEncoder.Parameters()...)
	}
	return params
}

// forwardPass holds one encoder pass's artifacts: the token batch for
// backward, the projections for gradient routing, and the embeddings.
type forwardPass struct {
	tokens    encoder.TokenBatch
	projs     []encoder.Projection
	retrieval [][]float32
	rerank    [][]float32
}

// forward tokenizes, encodes and projects a list of texts.
func (m *Model) forward(ctx context.Context, enc encoder.Encoder, texts []string, train bool) (*forwardPass, error) {
	tokens, err := m.tokenizer.Tokenize(texts, m.args.MaxSequenceLength)
	if err != nil {
		return nil, fmt.Errorf("tokenization failed: %w", err)
	}
	raws, err := enc.Forward(ctx, tokens, train)
	if err != nil {
		return nil, fmt.Errorf("encoder forward failed: %w", err)
	}
	if len(raws) != len(texts) {
		return nil, fmt.Errorf("encoder produced %d outputs for %d texts", len(raws), len(texts))
	}

	fp := &forwardPass{
		tokens:    tokens,
		projs:     make([]encoder.Projection, len(raws)),
		retrieval: make([][]float32, len(raws)),
	}
	if m.args.UnifiedRerank {
		fp.rerank = make([][]float32, len(raws))
	}
	for i, raw := range raws {
		proj, err := m.projector.Project(raw, train)
		if err != nil {
			return nil, fmt.Errorf("projection failed for text %d: %w", i, err)
		}
		fp.projs[i] = proj
		fp.retrieval[i] = proj.Retrieval
		if fp.rerank != nil {
			fp.rerank[i] = proj.Rerank
		}
	}
	return fp, nil
}

// backward routes embedding gradients through the projector back into the
// encoder, scaling them by scale on the way. gradRerank may be nil.
func (m *Model) backward(ctx context.Context, enc encoder.Encoder, fp *forwardPass, gradRetrieval, gradRerank [][]float32, scale float32) error {
	grads := make([]encoder.RawOutput, len(fp.projs))
	for i := range fp.projs {
		gr := scaleVector(gradRetrieval[i], scale)
		var grr []float32
		if gradRerank != nil {
			grr = scaleVector(gradRerank[i], scale)
		}
		grads[i] = m.projector.GradToRaw(fp.projs[i], gr, grr)
	}
	if err := enc.Backward(ctx, fp.tokens, grads); err != nil {
		return fmt.Errorf("encoder backward failed: %w", err)
	}
	return nil
}

// passGroup is one batch's forward pass split across data-parallel shards.
// passes and sizes are shard-aligned; retrieval and rerank concatenate the
// shard outputs back into batch order.
type passGroup struct {
	passes    []*forwardPass
	sizes     []int
	retrieval [][]float32
	rerank    [][]float32
}

func (m *Model) shardCount(train bool) int {
	if train && m.args.DataParallelShards > 1 {
		return m.args.DataParallelShards
	}
	return 1
}

// shardBounds splits n examples into at most shards contiguous [lo, hi)
// ranges, dropping empty shards for small batches.
func shardBounds(n, shards int) [][2]int {
	if shards > n {
		shards = n
	}
	bounds := make([][2]int, 0, shards)
	base := n / shards
	extra := n % shards
	lo := 0
	for i := 0; i < shards; i++ {
		size := base
		if i < extra {
			size++
		}
		bounds = append(bounds, [2]int{lo, lo + size})
		lo += size
	}
	return bounds
}

// forwardGroup runs the encoder over texts, fanning shards out concurrently
// during data-parallel training. Shard gradients later accumulate into the
// same shared parameters, so splitting a batch changes throughput, not math.
func (m *Model) forwardGroup(ctx context.Context, enc encoder.Encoder, texts []string, train bool) (*passGroup, error) {
	bounds := shardBounds(len(texts), m.shardCount(train))
	pg := &passGroup{
		passes: make([]*forwardPass, len(bounds)),
		sizes:  make([]int, len(bounds)),
	}

	if len(bounds) == 1 {
		fp, err := m.forward(ctx, enc, texts, train)
		if err != nil {
			return nil, err
		}
		pg.passes[0] = fp
		pg.sizes[0] = len(texts)
	} else {
		exec := utils.NewConcurrentExecutor(len(bounds))
		fns := make([]func() error, len(bounds))
		for i, b := range bounds {
			i, b := i, b
			pg.sizes[i] = b[1] - b[0]
			fns[i] = func() error {
				fp, err := m.forward(ctx, enc, texts[b[0]:b[1]], train)
				if err != nil {
					return err
				}
				pg.passes[i] = fp
				return nil
			}
		}
		if err := utils.FirstError(exec.Execute(ctx, fns...)); err != nil {
			return nil, err
		}
	}

	pg.retrieval = make([][]float32, 0, len(texts))
	if m.args.UnifiedRerank {
		pg.rerank = make([][]float32, 0, len(texts))
	}
	for _, fp := range pg.passes {
		pg.retrieval = append(pg.retrieval, fp.retrieval...)
		if pg.rerank != nil {
			pg.rerank = append(pg.rerank, fp.rerank...)
		}
	}
	return pg, nil
}

// backwardGroup routes batch-order gradients back through each shard's pass.
func (m *Model) backwardGroup(ctx context.Context, enc encoder.Encoder, pg *passGroup, gradRetrieval, gradRerank [][]float32, scale float32) error {
	if len(pg.passes) == 1 {
		return m.backward(ctx, enc, pg.passes[0], gradRetrieval, gradRerank, scale)
	}

	exec := utils.NewConcurrentExecutor(len(pg.passes))
	fns := make([]func() error, len(pg.passes))
	offset := 0
	for i := range pg.passes {
		i, lo, hi := i, offset, offset+pg.sizes[i]
		fns[i] = func() error {
			var grr [][]float32
			if gradRerank != nil {
				grr = gradRerank[lo:hi]
			}
			return m.backward(ctx, enc, pg.passes[i], gradRetrieval[lo:hi], grr, scale)
		}
		offset = hi
	}
	return utils.FirstError(exec.Execute(ctx, fns...))
}

func scaleVector(v []float32, scale float32) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * scale
	}
	return out
}

// EncodeQueries embeds texts with the query encoder in evaluation mode,
// batched by the eval batch size. The second return value carries the
// secondary rerank embeddings in unified mode, nil otherwise.
func (m *Model) EncodeQueries(ctx context.Context, texts []string) ([][]float32, [][]float32, error) {
	return m.encodeAll(ctx, m.queryEncoder, texts)
}

// EncodePassages embeds texts with the context encoder in evaluation mode.
func (m *Model) EncodePassages(ctx context.Context, texts []string) ([][]float32, [][]float32, error) {
	return m.encodeAll(ctx, m.contextEncoder, texts)
}

func (m *Model) encodeAll(ctx context.Context, enc encoder.Encoder, texts []string) ([][]float32, [][]float32, error) {
	retrieval := make([][]float32, 0, len(texts))
	var rerank [][]float32
	if m.args.UnifiedRerank {
		rerank = make([][]float32, 0, len(texts))
	}

	for lo := 0; lo < len(texts); lo += m.args.EvalBatchSize {
		hi := min(lo+m.args.EvalBatchSize, len(texts))
		fp, err := m.forward(ctx, enc, texts[lo:hi], false)
		if err != nil {
			return nil, nil, err
		}
		retrieval = append(retrieval, fp.retrieval...)
		if rerank != nil {
			rerank = append(rerank, fp.rerank...)
		}
	}
	return retrieval, rerank, nil
}
