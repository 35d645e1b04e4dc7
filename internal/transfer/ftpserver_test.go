package transfer

import (
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
)

// ftpTestServer is a single-user FTP server over loopback that keeps files in memory.
// It speaks the subset of commands the FTP driver issues.
type ftpTestServer struct {
	listener net.Listener
	user     string
	pass     string

	mu          sync.Mutex
	dirs        map[string]bool
	files       map[string][]byte
	noSize      bool // SIZE and MLST answer 502
	failStores  int  // STORs that end with 451 after the data is received
	stallStores bool // STORs keep the data channel open until the client drops it
	receiving   chan string
	wg          sync.WaitGroup
}

func newFTPTestServer(t *testing.T) *ftpTestServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	s := &ftpTestServer{
		listener:  l,
		user:      "backup",
		pass:      "s3cret",
		dirs:      map[string]bool{"/": true},
		files:     make(map[string][]byte),
		receiving: make(chan string, 1),
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		l.Close()
		s.wg.Wait()
	})
	return s
}

func (s *ftpTestServer) target() Target {
	return Target{
		Protocol:  ProtocolFTP,
		Host:      "127.0.0.1",
		Port:      s.listener.Addr().(*net.TCPAddr).Port,
		Username:  s.user,
		Secret:    s.pass,
		RemoteDir: "/backups",
	}
}

func (s *ftpTestServer) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *ftpTestServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.session(conn)
		}()
	}
}

type ftpControl struct {
	*textproto.Conn
	cwd      string
	loggedIn bool
	user     string
	passive  net.Listener
	rnfr     string
}

func (c *ftpControl) reply(code int, format string, args ...any) {
	c.PrintfLine("%d %s", code, fmt.Sprintf(format, args...))
}

func (c *ftpControl) abs(name string) string {
	if strings.HasPrefix(name, "/") {
		return path.Clean(name)
	}
	return path.Join(c.cwd, name)
}

// acceptData waits for the client on the passive listener opened by EPSV
func (c *ftpControl) acceptData() (net.Conn, error) {
	if c.passive == nil {
		return nil, fmt.Errorf("no passive listener")
	}
	defer func() {
		c.passive.Close()
		c.passive = nil
	}()
	return c.passive.Accept()
}

func (s *ftpTestServer) session(conn net.Conn) {
	c := &ftpControl{Conn: textproto.NewConn(conn), cwd: "/"}
	defer func() {
		if c.passive != nil {
			c.passive.Close()
		}
	}()
	c.reply(220, "test server ready")

	for {
		line, err := c.ReadLine()
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(line, " ")
		cmd = strings.ToUpper(cmd)

		if !c.loggedIn && cmd != "USER" && cmd != "PASS" && cmd != "FEAT" && cmd != "QUIT" {
			c.reply(530, "not logged in")
			continue
		}

		switch cmd {
		case "USER":
			c.user = arg
			c.reply(331, "password required")
		case "PASS":
			if c.user != s.user || arg != s.pass {
				c.reply(530, "login incorrect")
				continue
			}
			c.loggedIn = true
			c.reply(230, "logged in")
		case "FEAT":
			s.mu.Lock()
			noSize := s.noSize
			s.mu.Unlock()
			c.PrintfLine("211-Features:")
			c.PrintfLine(" EPSV")
			if !noSize {
				c.PrintfLine(" SIZE")
				c.PrintfLine(" MLST type*;size*;modify*;")
			}
			c.PrintfLine("211 End")
		case "TYPE", "NOOP":
			c.reply(200, "ok")
		case "PWD":
			c.reply(257, "%q is the current directory", c.cwd)
		case "CWD":
			dir := c.abs(arg)
			s.mu.Lock()
			ok := s.dirs[dir]
			s.mu.Unlock()
			if !ok {
				c.reply(550, "no such directory")
				continue
			}
			c.cwd = dir
			c.reply(250, "directory changed")
		case "MKD":
			dir := c.abs(arg)
			s.mu.Lock()
			s.dirs[dir] = true
			s.mu.Unlock()
			c.reply(257, "%q created", dir)
		case "EPSV":
			l, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				c.reply(425, "cannot open data connection")
				continue
			}
			c.passive = l
			c.reply(229, "Entering Extended Passive Mode (|||%d|)", l.Addr().(*net.TCPAddr).Port)
		case "STOR":
			s.store(c, c.abs(arg))
		case "SIZE", "MLST":
			s.mu.Lock()
			data, ok := s.files[c.abs(arg)]
			noSize := s.noSize
			s.mu.Unlock()
			switch {
			case noSize:
				c.reply(502, "command not implemented")
			case !ok:
				c.reply(550, "no such file")
			case cmd == "SIZE":
				c.reply(213, "%d", len(data))
			default:
				c.PrintfLine("250-Listing %s", arg)
				c.PrintfLine(" Type=file;Size=%d; %s", len(data), arg)
				c.PrintfLine("250 End")
			}
		case "MLSD":
			s.list(c)
		case "RNFR":
			s.mu.Lock()
			_, ok := s.files[c.abs(arg)]
			s.mu.Unlock()
			if !ok {
				c.reply(550, "no such file")
				continue
			}
			c.rnfr = c.abs(arg)
			c.reply(350, "ready for destination")
		case "RNTO":
			s.mu.Lock()
			data, ok := s.files[c.rnfr]
			if ok {
				delete(s.files, c.rnfr)
				s.files[c.abs(arg)] = data
			}
			s.mu.Unlock()
			if !ok {
				c.reply(503, "RNFR required first")
				continue
			}
			c.reply(250, "renamed")
		case "DELE":
			s.mu.Lock()
			_, ok := s.files[c.abs(arg)]
			delete(s.files, c.abs(arg))
			s.mu.Unlock()
			if !ok {
				c.reply(550, "no such file")
				continue
			}
			c.reply(250, "deleted")
		case "QUIT":
			c.reply(221, "bye")
			return
		default:
			c.reply(502, "command not implemented")
		}
	}
}

// store keeps every received chunk so a dropped transfer leaves a partial file,
// the way disk-backed servers do.
func (s *ftpTestServer) store(c *ftpControl, name string) {
	c.reply(150, "opening data connection")
	data, err := c.acceptData()
	if err != nil {
		c.reply(425, "cannot open data connection")
		return
	}
	defer data.Close()

	s.mu.Lock()
	fail := s.failStores > 0
	if fail {
		s.failStores--
	}
	stall := s.stallStores
	s.files[name] = nil
	s.mu.Unlock()

	var received []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := data.Read(buf)
		if n > 0 {
			received = append(received, buf[:n]...)
			s.mu.Lock()
			s.files[name] = append([]byte(nil), received...)
			s.mu.Unlock()
			if stall {
				select {
				case s.receiving <- name:
				default:
				}
				io.Copy(io.Discard, data)
				return
			}
		}
		if err != nil {
			break
		}
	}

	if fail {
		c.reply(451, "local error in processing")
		return
	}
	c.reply(226, "transfer complete")
}

func (s *ftpTestServer) list(c *ftpControl) {
	c.reply(150, "opening data connection")
	data, err := c.acceptData()
	if err != nil {
		c.reply(425, "cannot open data connection")
		return
	}

	s.mu.Lock()
	for name, content := range s.files {
		if path.Dir(name) != c.cwd {
			continue
		}
		fmt.Fprintf(data, "Type=file;Size=%d;Modify=20240107020000; %s\r\n", len(content), path.Base(name))
	}
	s.mu.Unlock()

	data.Close()
	c.reply(226, "listing complete")
}
