package models

// ElasticIP is a reassignable public address owned by a project. An
// empty InstanceID means the address is free.
type ElasticIP struct {
	Address    string `json:"address"`
	ProjectID  string `json:"project_id"`
	UserID     string `json:"user_id"`
	InstanceID string `json:"instance_id,omitempty"`
}

// FixedIP is the DNS-model record of a private address.
type FixedIP struct {
	Address    string `json:"address"`
	Hostname   string `json:"hostname"`
	InstanceID string `json:"instance_id,omitempty"`
}
