// Package netmock provides gomock mocks of the net package interfaces.
package netmock

//go:generate go tool mockgen -destination=conn.go -package=netmock net Conn
