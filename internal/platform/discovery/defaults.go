// Package discovery centralizes in-network service address conventions.
package discovery

import (
	"strconv"
	"strings"
)

// ServiceVerifier is the verifier service identity.
const ServiceVerifier = "verifier"

var grpcPorts = map[string]int{
	ServiceVerifier: 8096,
}

var httpPorts = map[string]int{
	ServiceVerifier: 8095,
}

// DefaultGRPCPort returns the conventional gRPC port for a service, or 0.
func DefaultGRPCPort(service string) int {
	return grpcPorts[strings.TrimSpace(service)]
}

// DefaultHTTPPort returns the conventional HTTP port for a service, or 0.
func DefaultHTTPPort(service string) int {
	return httpPorts[strings.TrimSpace(service)]
}

// DefaultGRPCAddr returns the canonical in-network gRPC address for a service.
func DefaultGRPCAddr(service string) string {
	return defaultAddr(strings.TrimSpace(service), grpcPorts)
}

// DefaultListenAddr returns ":<port>" for a service's HTTP port.
func DefaultListenAddr(service string) string {
	port := DefaultHTTPPort(service)
	if port <= 0 {
		return ""
	}
	return ":" + strconv.Itoa(port)
}

// OrDefaultGRPCAddr returns value when set, otherwise the service convention.
func OrDefaultGRPCAddr(value, service string) string {
	value = strings.TrimSpace(value)
	if value != "" {
		return value
	}
	return DefaultGRPCAddr(service)
}

func defaultAddr(service string, ports map[string]int) string {
	port, ok := ports[service]
	if !ok || port <= 0 {
		return ""
	}
	return service + ":" + strconv.Itoa(port)
}
