/*
Package biencoder trains and evaluates dual-encoder dense-retrieval models:
two encoders mapping queries and passages to vectors whose dot product
ranks relevance. The package drives the full loop around opaque encoders:
contrastive losses with hard negatives, gradient accumulation and
clipping, mixed-precision loss scaling, checkpointing with early stopping,
and top-k retrieval with ranking metrics.

The training objective and its gradients live in pkg/loss; optimizers,
learning-rate schedules and the gradient scaler in pkg/optim; passage
storage and search in pkg/index and pkg/retrieval; ranking metrics in
pkg/metrics. An optional cross-encoder teacher (pkg/crossencoder) supplies
the distillation signal for unified reranking.

Basic usage:

	tok := encoder.NewHashTokenizer(30000)
	qEnc, _ := encoder.NewTableEncoder(30000, 128, false, 1)
	cEnc, _ := encoder.NewTableEncoder(30000, 128, false, 2)

	model, err := biencoder.New(biencoder.DefaultArgs(), qEnc, cEnc, tok)
	result, err := model.Train(ctx, trainData, nil)
*/
package biencoder
