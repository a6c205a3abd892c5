//go:build !onnx

package ml

// NativeAvailable reports that no ONNX engine is compiled in
func NativeAvailable() bool { return false }

// NewONNXEngine returns ErrNativeUnavailable when built without the onnx tag
func NewONNXEngine(_ string, _ ONNXConfig) (Engine, error) {
	return nil, ErrNativeUnavailable
}
