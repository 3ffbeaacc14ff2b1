package main

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	setVersionInfo(Version, BuildTime, GitCommit)
	execute()
}
