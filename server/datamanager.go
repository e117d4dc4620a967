package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

// DataManager owns a session's data-connection state: the current transfer
// mode (a PASV/EPSV listener or a PORT/EPRT target), the negotiated PROT
// level, and TLS wrapping of the resulting connection. It generalizes the
// teacher's inline connData/connPassive/connActive/wrapDataConn methods on
// session into their own type, still driven one-to-one by the same session
// for peer validation and logging.
type DataManager struct {
	sess *session

	pasvList   net.Listener
	activeIP   string
	activePort int
	prot       string // PROT P or C

	lastPublicHost string
	resolvedIP     net.IP
}

func newDataManager(sess *session, prot string) *DataManager {
	return &DataManager{sess: sess, prot: prot}
}

// Prot returns the negotiated protection level, "C" or "P".
func (d *DataManager) Prot() string { return d.prot }

// SetProt sets the protection level applied to the next data connection.
func (d *DataManager) SetProt(p string) { d.prot = p }

// Passive reports whether a PASV/EPSV listener is currently armed.
func (d *DataManager) Passive() bool { return d.pasvList != nil }

// Active reports whether a PORT/EPRT target is currently armed.
func (d *DataManager) Active() bool { return d.activeIP != "" }

// ActiveAddr returns the armed PORT/EPRT target, for STAT display.
func (d *DataManager) ActiveAddr() (string, int) { return d.activeIP, d.activePort }

// SetActive arms an active-mode target for the next data connection.
func (d *DataManager) SetActive(ip net.IP, port int) {
	d.activeIP = ip.String()
	d.activePort = port
}

// ClosePassive tears down any armed PASV/EPSV listener.
func (d *DataManager) ClosePassive() {
	if d.pasvList != nil {
		d.pasvList.Close()
		d.pasvList = nil
	}
}

// listen picks a passive-mode listener, honoring a configured port range.
func (d *DataManager) listen(settings *Settings) (net.Listener, error) {
	srv := d.sess.server
	if settings != nil && settings.PasvMinPort > 0 && settings.PasvMaxPort >= settings.PasvMinPort {
		minPort := settings.PasvMinPort
		maxPort := settings.PasvMaxPort
		rangeLen := int32(maxPort - minPort + 1)

		startOffset := atomic.AddInt32(&srv.nextPassivePort, 1)
		for i := int32(0); i < rangeLen; i++ {
			offset := (startOffset + i) % rangeLen
			port := int(int32(minPort) + offset)
			ln, err := srv.listenerFactory.Listen("tcp", fmt.Sprintf(":%d", port))
			if err == nil {
				return ln, nil
			}
		}
		return nil, fmt.Errorf("no available ports in range [%d, %d]", minPort, maxPort)
	}
	return srv.listenerFactory.Listen("tcp", ":0")
}

// EnterPassive closes any prior listener and arms a new one for PASV/EPSV.
func (d *DataManager) EnterPassive(settings *Settings) (net.Listener, error) {
	d.ClosePassive()
	ln, err := d.listen(settings)
	if err != nil {
		return nil, err
	}
	d.pasvList = ln
	return ln, nil
}

// ResolvePublicIP applies the PublicHost override, then hostname
// resolution (cached across calls), used to format PASV/EPSV replies.
func (d *DataManager) ResolvePublicIP(localAddr string, settings *Settings) net.IP {
	host, _, _ := net.SplitHostPort(localAddr)
	if settings != nil && settings.PublicHost != "" {
		host = settings.PublicHost
	}

	if ip := net.ParseIP(host); ip != nil {
		return ip
	}

	if host == d.lastPublicHost && d.resolvedIP != nil {
		return d.resolvedIP
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		return nil
	}
	for _, resolved := range addrs {
		if ipv4 := resolved.To4(); ipv4 != nil {
			d.lastPublicHost = host
			d.resolvedIP = ipv4
			return ipv4
		}
	}
	return nil
}

// Accept opens the data connection for the current mode: accepting on the
// armed PASV/EPSV listener, or dialing the armed PORT/EPRT target.
func (d *DataManager) Accept() (net.Conn, error) {
	if d.pasvList != nil {
		return d.acceptPassive()
	}
	if d.activeIP != "" {
		return d.dialActive()
	}
	return nil, fmt.Errorf("no data connection setup")
}

func (d *DataManager) acceptPassive() (net.Conn, error) {
	s := d.sess
	s.server.logger.Debug("waiting for passive connection",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
	)
	if t, ok := d.pasvList.(*net.TCPListener); ok {
		_ = t.SetDeadline(time.Now().Add(10 * time.Second))
	}
	conn, err := d.pasvList.Accept()
	if err != nil {
		return nil, err
	}
	d.pasvList.Close()
	d.pasvList = nil

	// Promiscuous-peer guard: reject a PASV/EPSV accept from a peer other
	// than the control connection's own remote host, mirroring the
	// PORT/EPRT bounce-attack check.
	if host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String()); splitErr == nil {
		if ip := net.ParseIP(host); ip != nil && !s.validatePeerIP(ip) {
			conn.Close()
			return nil, fmt.Errorf("passive peer %s does not match control connection", host)
		}
	}

	return d.wrap(conn)
}

func (d *DataManager) dialActive() (net.Conn, error) {
	s := d.sess
	addr := net.JoinHostPort(d.activeIP, strconv.Itoa(d.activePort))
	s.server.logger.Debug("dialing active connection",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
		"addr", addr,
	)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	d.activeIP = "" // Reset after use

	return d.wrap(conn)
}

func (d *DataManager) wrap(conn net.Conn) (net.Conn, error) {
	s := d.sess
	if d.prot == "P" {
		if s.server.tlsConfig == nil {
			conn.Close()
			return nil, fmt.Errorf("TLS configuration missing")
		}
		// RFC 4217: The FTP server MUST act as the TLS server.
		tlsConn := tls.Server(conn, s.server.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	if s.server.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.server.readTimeout))
	}
	if s.server.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.server.writeTimeout))
	}

	s.server.trackConnection(conn, true)
	return &trackingConn{Conn: conn, server: s.server}, nil
}
