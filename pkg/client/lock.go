package client

import "github.com/pixperk/lowkey-rwlock/pkg/rwlock"

// NewLock binds a read-write lock on resource to this client's session
// closing the lock leaves the session open unless rwlock.WithCloseSession is passed
func (c *Client) NewLock(resource string, opts ...rwlock.Option) (*rwlock.ReadWriteLock, error) {
	opts = append([]rwlock.Option{rwlock.WithLogger(c.logger)}, opts...)
	return rwlock.New(c, resource, opts...)
}
