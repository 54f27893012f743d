package model

// VirtualHost is one web-server virtual host owned by a tenant: its name plus
// the ordered list of domains it serves (primary first, then aliases).
// Supplied per renewal run by the vhost enumerator and immutable during a run.
type VirtualHost struct {
	Name    string   `json:"name"`
	Domains []string `json:"domains"`
}

// Identity is the unprivileged filesystem identity of a tenant account,
// used when placing HTTP-01 challenge files under the tenant's docroot.
type Identity struct {
	Username string `json:"username"`
	UID      int    `json:"uid"`
	GID      int    `json:"gid"`
}
