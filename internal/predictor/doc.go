// Package predictor defines the capability shared by the per-chunk
// classifiers. Concrete predictors live in the ml and hotlist subpackages.
package predictor
