package roadgraphtool

var Version string

// buildVersion gets replaced while building with
// go build -ldflags "-X github.com/roadgraphtool/roadgraphtool.buildVersion=1234"
var buildVersion string

func init() {
	Version = "0.4.0"
	Version += buildVersion
}
