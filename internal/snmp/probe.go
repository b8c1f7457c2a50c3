// Package snmp wraps SNMP v2c queries against printer MIBs.
package snmp

import (
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

// Printer MIB OIDs (RFC 1759 / Host Resources MIB)
const (
	oidSysDescr        = "1.3.6.1.2.1.1.1.0"
	oidSysUpTime       = "1.3.6.1.2.1.1.3.0"
	oidSysName         = "1.3.6.1.2.1.1.5.0"
	oidHrPrinterStatus = "1.3.6.1.2.1.25.3.2.1.5.1"
	oidPageCount       = "1.3.6.1.2.1.43.10.2.1.4.1.1"
	oidSupplyDescr     = "1.3.6.1.2.1.43.11.1.1.6.1"
	oidSupplyMax       = "1.3.6.1.2.1.43.11.1.1.8.1"
	oidSupplyLevel     = "1.3.6.1.2.1.43.11.1.1.9.1"
)

// SystemInfo is the agent identity read from the system group.
type SystemInfo struct {
	SysDescr string
	SysName  string
	Uptime   time.Duration
}

// PrinterInfo is a point-in-time snapshot of printer state.
type PrinterInfo struct {
	State     string
	PageCount int64
	// Supplies maps supply description (e.g. "Black Toner") to percent
	// remaining, -1 when the agent does not report a capacity.
	Supplies map[string]int
}

// Prober abstracts the SNMP transport so callers can be tested
// without a live agent.
type Prober interface {
	Describe(address string) (*SystemInfo, error)
	PrinterStatus(address string) (*PrinterInfo, error)
}

// Client is the gosnmp-backed Prober.
type Client struct {
	community string
	port      uint16
	timeout   time.Duration
	retries   int
}

func NewClient(community string, timeout time.Duration, retries int) *Client {
	return &Client{
		community: community,
		port:      161,
		timeout:   timeout,
		retries:   retries,
	}
}

func (c *Client) connect(address string) (*gosnmp.GoSNMP, error) {
	g := &gosnmp.GoSNMP{
		Target:    address,
		Port:      c.port,
		Version:   gosnmp.Version2c,
		Community: c.community,
		Timeout:   c.timeout,
		Retries:   c.retries,
	}
	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("snmp connect to %s failed: %w", address, err)
	}
	return g, nil
}

// Describe performs a GetRequest for sysDescr and sysName.
func (c *Client) Describe(address string) (*SystemInfo, error) {
	g, err := c.connect(address)
	if err != nil {
		return nil, err
	}
	defer g.Conn.Close()

	result, err := g.Get([]string{oidSysDescr, oidSysUpTime, oidSysName})
	if err != nil {
		return nil, fmt.Errorf("snmp get failed for %s: %w", address, err)
	}

	info := &SystemInfo{}
	for _, v := range result.Variables {
		switch {
		case strings.HasSuffix(v.Name, oidSysDescr):
			info.SysDescr = pduString(v)
		case strings.HasSuffix(v.Name, oidSysUpTime):
			// TimeTicks are hundredths of a second.
			info.Uptime = time.Duration(gosnmp.ToBigInt(v.Value).Int64()) * 10 * time.Millisecond
		case strings.HasSuffix(v.Name, oidSysName):
			info.SysName = pduString(v)
		}
	}
	if info.SysDescr == "" {
		return nil, fmt.Errorf("no sysDescr returned by %s", address)
	}
	return info, nil
}

// PrinterStatus reads hrPrinterStatus, the lifetime page counter and
// the first supply table row for each installed supply.
func (c *Client) PrinterStatus(address string) (*PrinterInfo, error) {
	g, err := c.connect(address)
	if err != nil {
		return nil, err
	}
	defer g.Conn.Close()

	result, err := g.Get([]string{oidHrPrinterStatus, oidPageCount})
	if err != nil {
		return nil, fmt.Errorf("snmp get failed for %s: %w", address, err)
	}

	info := &PrinterInfo{State: "unknown", Supplies: map[string]int{}}
	for _, v := range result.Variables {
		switch {
		case strings.HasSuffix(v.Name, oidHrPrinterStatus):
			info.State = printerState(gosnmp.ToBigInt(v.Value).Int64())
		case strings.HasSuffix(v.Name, oidPageCount):
			info.PageCount = gosnmp.ToBigInt(v.Value).Int64()
		}
	}

	// Supply table rows. Many agents answer only a subset here, so a
	// walk error after the status read is not fatal.
	descrs := map[string]string{}
	maxes := map[string]int64{}
	levels := map[string]int64{}

	walk := func(root string, visit func(index string, v gosnmp.SnmpPDU)) {
		_ = g.BulkWalk(root, func(v gosnmp.SnmpPDU) error {
			idx := strings.TrimPrefix(strings.TrimPrefix(v.Name, "."), root)
			visit(strings.TrimPrefix(idx, "."), v)
			return nil
		})
	}

	walk(oidSupplyDescr, func(idx string, v gosnmp.SnmpPDU) { descrs[idx] = pduString(v) })
	walk(oidSupplyMax, func(idx string, v gosnmp.SnmpPDU) { maxes[idx] = gosnmp.ToBigInt(v.Value).Int64() })
	walk(oidSupplyLevel, func(idx string, v gosnmp.SnmpPDU) { levels[idx] = gosnmp.ToBigInt(v.Value).Int64() })

	for idx, descr := range descrs {
		level, ok := levels[idx]
		if !ok {
			continue
		}
		max := maxes[idx]
		if max <= 0 || level < 0 {
			info.Supplies[descr] = -1
			continue
		}
		info.Supplies[descr] = int(level * 100 / max)
	}

	return info, nil
}

func pduString(v gosnmp.SnmpPDU) string {
	switch b := v.Value.(type) {
	case []byte:
		return string(b)
	case string:
		return b
	default:
		return fmt.Sprintf("%v", b)
	}
}

// printerState maps hrPrinterStatus integers to readable states.
func printerState(code int64) string {
	switch code {
	case 1:
		return "other"
	case 2:
		return "unknown"
	case 3:
		return "idle"
	case 4:
		return "printing"
	case 5:
		return "warmup"
	default:
		return "unknown"
	}
}
