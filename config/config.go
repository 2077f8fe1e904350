package config

import (
	"fmt"
	"log"
	"time"
)

const (
	// defaults for when not provided in Config
	EventChannelLength   uint16        = 1024
	TcpKeepAliveInterval time.Duration = time.Second * 17
	TcpKeepAliveCount    uint16        = 2
	TcpDialTimeout       time.Duration = time.Second * 3
	TcpReconnectInterval time.Duration = time.Second * 5
	TcpReconnectLogEvery uint32        = 12
	HandshakeTimeout     time.Duration = time.Second * 5
	MaximumConnections   uint16        = 32
)

type Config struct {
	Host               string
	Instance           string
	EventChannelLength uint16

	SelfAddress          string
	TcpKeepAliveInterval uint16
	TcpKeepAliveCount    uint16
	TcpDialTimeout       uint16
	TcpReconnectInterval uint16
	TcpReconnectLogEvery uint32

	HandshakeTimeout   uint16 // seconds
	MaximumConnections uint16 // inbound links accepted concurrently

	// optional, serves prometheus metrics when set
	MetricsAddress string

	LogPrefix string
	LogDebug  bool
}

func (c *Config) Validate() error {
	if c == nil {
		err := fmt.Errorf("nil config")
		log.Printf("%s", err.Error())
		return err
	}

	if c.Host == "" {
		err := fmt.Errorf("invalid Host=%s", c.Host)
		log.Printf("%s", err.Error())
		return err
	}

	if c.Instance == "" {
		err := fmt.Errorf("invalid Instance=%s", c.Instance)
		log.Printf("%s", err.Error())
		return err
	}

	if c.SelfAddress == "" {
		err := fmt.Errorf("invalid SelfAddress=%s", c.SelfAddress)
		log.Printf("%s", err.Error())
		return err
	}

	if c.MetricsAddress != "" && c.MetricsAddress == c.SelfAddress {
		err := fmt.Errorf("MetricsAddress=%s collides with SelfAddress", c.MetricsAddress)
		log.Printf("%s", err.Error())
		return err
	}

	return nil
}

// resolved values, zero fields fall back to package defaults

func (c *Config) GetEventChannelLength() uint16 {
	if c.EventChannelLength == 0 {
		return EventChannelLength
	}
	return c.EventChannelLength
}

func (c *Config) GetTcpKeepAliveInterval() time.Duration {
	if c.TcpKeepAliveInterval == 0 {
		return TcpKeepAliveInterval
	}
	return time.Second * time.Duration(c.TcpKeepAliveInterval)
}

func (c *Config) GetTcpKeepAliveCount() uint16 {
	if c.TcpKeepAliveCount == 0 {
		return TcpKeepAliveCount
	}
	return c.TcpKeepAliveCount
}

func (c *Config) GetTcpDialTimeout() time.Duration {
	if c.TcpDialTimeout == 0 {
		return TcpDialTimeout
	}
	return time.Second * time.Duration(c.TcpDialTimeout)
}

func (c *Config) GetTcpReconnectInterval() time.Duration {
	if c.TcpReconnectInterval == 0 {
		return TcpReconnectInterval
	}
	return time.Second * time.Duration(c.TcpReconnectInterval)
}

func (c *Config) GetTcpReconnectLogEvery() uint32 {
	if c.TcpReconnectLogEvery == 0 {
		return TcpReconnectLogEvery
	}
	return c.TcpReconnectLogEvery
}

func (c *Config) GetHandshakeTimeout() time.Duration {
	if c.HandshakeTimeout == 0 {
		return HandshakeTimeout
	}
	return time.Second * time.Duration(c.HandshakeTimeout)
}

func (c *Config) GetMaximumConnections() uint16 {
	if c.MaximumConnections == 0 {
		return MaximumConnections
	}
	return c.MaximumConnections
}
