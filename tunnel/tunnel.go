/*
Package tunnel forwards a local TCP port to a remote address through an SSH
connection.
*/
package tunnel

import (
	"io"
	"io/ioutil"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/roadgraphtool/roadgraphtool/log"
)

const dialTimeout = 30 * time.Second

// keepaliveTimeout bounds IsAlive. A server that does not answer in time
// counts as dead.
var keepaliveTimeout = 5 * time.Second

type Config struct {
	// Server is the SSH server as host:port.
	Server     string
	User       string
	KeyPath    string
	Passphrase string
	// KnownHostsFile enables host key verification.
	KnownHostsFile string
	// RemoteAddr is the address to forward to, as seen from Server.
	RemoteAddr string
	// LocalAddr is the listen address, port 0 selects an ephemeral port.
	LocalAddr string
}

// Tunnel is a local port forward. It is safe for concurrent use.
type Tunnel struct {
	conf Config

	mu       sync.Mutex
	client   *ssh.Client
	listener net.Listener
	lastAddr string
	wg       sync.WaitGroup
}

func New(conf Config) *Tunnel {
	return &Tunnel{conf: conf}
}

func (t *Tunnel) clientConfig() (*ssh.ClientConfig, error) {
	if _, err := os.Stat(t.conf.KeyPath); err != nil {
		return nil, errors.Wrapf(err, "private key not found at %q", t.conf.KeyPath)
	}
	pem, err := ioutil.ReadFile(t.conf.KeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading private key")
	}
	var signer ssh.Signer
	if t.conf.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(t.conf.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		return nil, errors.Wrap(err, "parsing private key")
	}

	var hostKeyCallback ssh.HostKeyCallback
	if t.conf.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(t.conf.KnownHostsFile)
		if err != nil {
			return nil, errors.Wrap(err, "reading known hosts")
		}
	} else {
		log.Warnf("no known_hosts_file configured, accepting any host key of %s", t.conf.Server)
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            t.conf.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}, nil
}

// Start connects to the SSH server and starts forwarding.
func (t *Tunnel) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return nil
	}

	sshConf, err := t.clientConfig()
	if err != nil {
		return err
	}
	client, err := ssh.Dial("tcp", t.conf.Server, sshConf)
	if err != nil {
		return errors.Wrapf(err, "connecting to ssh server %s", t.conf.Server)
	}
	listener, err := t.listen()
	if err != nil {
		client.Close()
		return errors.Wrapf(err, "listening on %s", t.conf.LocalAddr)
	}
	t.client = client
	t.listener = listener
	t.lastAddr = listener.Addr().String()

	t.wg.Add(1)
	go t.acceptLoop(client, listener)

	log.Printf("SSH tunnel established %s -> %s via %s",
		listener.Addr(), t.conf.RemoteAddr, t.conf.Server)
	return nil
}

// listen binds the address of the previous run first, so that a restart
// keeps an ephemeral port.
func (t *Tunnel) listen() (net.Listener, error) {
	if t.lastAddr != "" && t.lastAddr != t.conf.LocalAddr {
		l, err := net.Listen("tcp", t.lastAddr)
		if err == nil {
			return l, nil
		}
		log.Warnf("tunnel: rebinding %s: %s", t.lastAddr, err)
	}
	return net.Listen("tcp", t.conf.LocalAddr)
}

func (t *Tunnel) acceptLoop(client *ssh.Client, listener net.Listener) {
	defer t.wg.Done()
	for {
		local, err := listener.Accept()
		if err != nil {
			// listener closed by Stop
			return
		}
		go t.forward(client, local)
	}
}

func (t *Tunnel) forward(client *ssh.Client, local net.Conn) {
	remote, err := client.Dial("tcp", t.conf.RemoteAddr)
	if err != nil {
		log.Errorf("tunnel: dialing %s: %s", t.conf.RemoteAddr, err)
		local.Close()
		return
	}
	copyConn := func(dst, src net.Conn, done chan<- struct{}) {
		io.Copy(dst, src)
		done <- struct{}{}
	}
	done := make(chan struct{}, 2)
	go copyConn(local, remote, done)
	go copyConn(remote, local, done)
	<-done
	local.Close()
	remote.Close()
	<-done
}

// IsAlive reports whether the tunnel is started and the SSH server answers
// a keep-alive request.
func (t *Tunnel) IsAlive() bool {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return false
	}
	res := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		res <- err
	}()
	select {
	case err := <-res:
		return err == nil
	case <-time.After(keepaliveTimeout):
		log.Warnf("tunnel: no keep-alive reply from %s within %s", t.conf.Server, keepaliveTimeout)
		return false
	}
}

// Restart stops and starts the tunnel. The local port is kept if it is still
// available.
func (t *Tunnel) Restart() error {
	if err := t.Stop(); err != nil {
		log.Warnf("tunnel: stopping before restart: %s", err)
	}
	return t.Start()
}

// Stop closes the listener and the SSH connection.
func (t *Tunnel) Stop() error {
	t.mu.Lock()
	client, listener := t.client, t.listener
	t.client, t.listener = nil, nil
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	lerr := listener.Close()
	cerr := client.Close()
	t.wg.Wait()
	log.Printf("SSH tunnel to %s closed", t.conf.Server)
	if lerr != nil {
		return lerr
	}
	return cerr
}

// LocalPort returns the bound local port, or 0 if not started.
func (t *Tunnel) LocalPort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return 0
	}
	if addr, ok := t.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// LocalHost returns the host part of the listen address.
func (t *Tunnel) LocalHost() string {
	host, _, err := net.SplitHostPort(t.conf.LocalAddr)
	if err != nil || host == "" {
		return "127.0.0.1"
	}
	return host
}

// JoinHostPort is net.JoinHostPort with an int port.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
