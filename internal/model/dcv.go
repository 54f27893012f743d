package model

// DCVMethod identifies a domain control validation challenge method.
type DCVMethod string

const (
	DCVMethodHTTP DCVMethod = "http-01"
	DCVMethodDNS  DCVMethod = "dns-01"
)
