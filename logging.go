package govtt

const (
	// GCPProject is the project this runs in.
	GCPProject = "govtt-cloud"

	// Service is the name of this service.
	Service = "govtt"
)
