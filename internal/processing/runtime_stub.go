//go:build !govips || !cgo

package processing

func Startup() error {
	return nil
}

func Shutdown() {}

func Backend() string {
	return "stdlib"
}

func newTransformer() (Transformer, error) {
	return stdlibTransformer{}, nil
}
