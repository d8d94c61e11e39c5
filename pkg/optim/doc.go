// Package optim implements the optimizer and learning-rate machinery used by
// the training loop: named parameter tensors with explicit gradients, the
// AdamW and Adafactor update rules over decay/no-decay parameter groups,
// warmup learning-rate schedules, gradient-norm clipping, and a dynamic loss
// scaler for mixed-precision style training.
//
// Optimizers and schedulers are resolved from configuration names exactly
// once, before training starts; an unknown name is a configuration error.
package optim
