package transfer

import (
	"time"

	"github.com/TheGojiOG/pvebackup/internal/crypto"
)

// DriverOptions carries host settings the network drivers need
type DriverOptions struct {
	KnownHostsPath  string
	TrustOnFirstUse bool
	Encryption      *crypto.EncryptionManager
	DialTimeout     time.Duration
}

// DefaultDrivers returns a driver for every supported protocol
func DefaultDrivers(opts DriverOptions) map[Protocol]Driver {
	ftpDriver := FTPDriver{DataDialTimeout: opts.DialTimeout}
	return map[Protocol]Driver{
		ProtocolFTP:  ftpDriver,
		ProtocolFTPS: ftpDriver,
		ProtocolSFTP: SFTPDriver{
			KnownHostsPath:  opts.KnownHostsPath,
			TrustOnFirstUse: opts.TrustOnFirstUse,
			Encryption:      opts.Encryption,
		},
		ProtocolS3:    S3Driver{},
		ProtocolLocal: LocalDriver{},
	}
}
