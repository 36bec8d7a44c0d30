//go:build !unix

package importer

func exitSignal(err error) string {
	return ""
}
