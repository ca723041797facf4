// Package file writes formatted output to stdout or a file reopened on SIGHUP.
package file

import (
	"flag"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/netsampler/nf9reassembler/transport"
)

type FileDriver struct {
	fileDestination string
	lineSeparator   string
	w               io.Writer
	file            *os.File
	lock            *sync.RWMutex
	q               chan bool
}

func (d *FileDriver) Prepare() error {
	flag.StringVar(&d.fileDestination, "transport.file", "", "File/console output (empty for stdout)")
	flag.StringVar(&d.lineSeparator, "transport.file.sep", "\n", "Line separator")
	return nil
}

func (d *FileDriver) openFile() error {
	file, err := os.OpenFile(d.fileDestination, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	d.file = file
	d.w = d.file
	return nil
}

func (d *FileDriver) reopen() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if err := d.file.Close(); err != nil {
		return err
	}
	return d.openFile()
}

func (d *FileDriver) Init() error {
	d.q = make(chan bool, 1)

	if d.fileDestination == "" {
		d.w = os.Stdout
		return nil
	}

	d.lock.Lock()
	err := d.openFile()
	d.lock.Unlock()
	if err != nil {
		return err
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)
	go func() {
		defer signal.Stop(c)
		for {
			select {
			case <-c:
				// on error, keeps using the old file
				if err := d.reopen(); err != nil {
					return
				}
			case <-d.q:
				return
			}
		}
	}()
	return nil
}

// Send writes a formatted message followed by the separator. Binary output
// usually wants an empty separator.
func (d *FileDriver) Send(key, data []byte) error {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if len(data) > 0 {
		if _, err := d.w.Write(data); err != nil {
			return err
		}
	}
	if d.lineSeparator == "" {
		return nil
	}
	_, err := io.WriteString(d.w, d.lineSeparator)
	return err
}

func (d *FileDriver) Close() error {
	var closeErr error
	if d.fileDestination != "" {
		d.lock.Lock()
		closeErr = d.file.Close()
		d.lock.Unlock()
	}
	close(d.q)
	return closeErr
}

func init() {
	d := &FileDriver{
		lock: &sync.RWMutex{},
	}
	transport.RegisterTransportDriver("file", d)
}
