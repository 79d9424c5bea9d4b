package redisstore

import (
	"errors"
	"strings"

	"github.com/pixperk/lowkey-rwlock/pkg/types"
	"github.com/redis/go-redis/v9"
)

// Keys, all under the store prefix:
//
//	node:<path>          hash {data, version, owner}, owner is the session id of an ephemeral node or ""
//	children:<path>      set of child names
//	cseq:<path>          sequence counter for sequential children
//	session:<id>         liveness key, expires after the session ttl
//	session:<id>:nodes   set of ephemeral paths owned by the session
//	sessions             set of session ids the reaper walks
//	events:<path>        pub/sub channel, payload is the event type name
//
// The root node is implicit and never stored.
//
// Scripts receive the keys they can name up front in KEYS. The rest follow from data read inside the
// script: the name a sequential create picks, the nodes a session owns, the parent a deleted node
// is unlinked from. See the package doc for what that means for Redis Cluster.

// shared helpers prepended to every script
const luaPrelude = `
local prefix = ARGV[1]
local function nodeKey(p) return prefix .. 'node:' .. p end
local function childrenKey(p) return prefix .. 'children:' .. p end
local function split(p)
  local parent, name = string.match(p, '^(.*)/([^/]+)$')
  if parent == '' then parent = '/' end
  return parent, name
end
local function removeNode(p)
  local parent, name = split(p)
  local owner = redis.call('HGET', nodeKey(p), 'owner')
  redis.call('DEL', nodeKey(p), childrenKey(p), prefix .. 'cseq:' .. p)
  redis.call('SREM', childrenKey(parent), name)
  if owner and owner ~= '' then
    redis.call('SREM', prefix .. 'session:' .. owner .. ':nodes', p)
  end
  redis.call('PUBLISH', prefix .. 'events:' .. p, 'node_deleted')
end
`

// KEYS: parent node, parent children, parent sequence, session, session nodes, parent events
// ARGV: prefix, parent, name, data, ephemeral, sequential, session id
// returns the final path
var createScript = redis.NewScript(luaPrelude + `
local parent, name, data, eph, seq, sid = ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6], ARGV[7]
if parent ~= '/' then
  if redis.call('EXISTS', KEYS[1]) == 0 then return {err='NONODE'} end
  local powner = redis.call('HGET', KEYS[1], 'owner')
  if powner and powner ~= '' then return {err='NOCHILDREN'} end
end
if eph == '1' and redis.call('EXISTS', KEYS[4]) == 0 then
  return {err='SESSIONEXPIRED'}
end
if seq == '1' then
  local n = redis.call('INCR', KEYS[3])
  name = name .. tostring(n - 1)
end
local path
if parent == '/' then path = '/' .. name else path = parent .. '/' .. name end
if redis.call('EXISTS', nodeKey(path)) == 1 then return {err='NODEEXISTS'} end
local owner = ''
if eph == '1' then
  owner = sid
  redis.call('SADD', KEYS[5], path)
end
redis.call('HSET', nodeKey(path), 'data', data, 'version', 0, 'owner', owner)
redis.call('SADD', KEYS[2], name)
redis.call('PUBLISH', KEYS[6], 'node_children_changed')
return path
`)

// KEYS: node, children
// ARGV: prefix, path, version
// returns 1 if a node was deleted, 0 if there was none
var deleteScript = redis.NewScript(luaPrelude + `
local path, version = ARGV[2], ARGV[3]
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if version ~= '-1' and redis.call('HGET', KEYS[1], 'version') ~= version then
  return {err='BADVERSION'}
end
if redis.call('SCARD', KEYS[2]) > 0 then return {err='NOTEMPTY'} end
removeNode(path)
return 1
`)

// KEYS: node, events
// ARGV: prefix, data, version
// returns the new version
var setDataScript = redis.NewScript(luaPrelude + `
local data, version = ARGV[2], ARGV[3]
if redis.call('EXISTS', KEYS[1]) == 0 then return {err='NONODE'} end
local current = redis.call('HGET', KEYS[1], 'version')
if version ~= '-1' and current ~= version then return {err='BADVERSION'} end
local newVersion = tonumber(current) + 1
redis.call('HSET', KEYS[1], 'data', data, 'version', newVersion)
redis.call('PUBLISH', KEYS[2], 'node_data_changed')
return newVersion
`)

// KEYS: session, session nodes, sessions
// ARGV: prefix, session id
// returns the number of ephemeral nodes removed
var removeSessionScript = redis.NewScript(luaPrelude + `
local sid = ARGV[2]
local owned = redis.call('SMEMBERS', KEYS[2])
table.sort(owned)
local removed = 0
for _, p in ipairs(owned) do
  if redis.call('EXISTS', nodeKey(p)) == 1 then
    removeNode(p)
    removed = removed + 1
  end
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('SREM', KEYS[3], sid)
return removed
`)

// error replies of the scripts
var scriptErrors = []struct {
	code string
	err  error
}{
	{"NONODE", types.ErrNoNode},
	{"NODEEXISTS", types.ErrNodeExists},
	{"BADVERSION", types.ErrBadVersion},
	{"NOTEMPTY", types.ErrNotEmpty},
	{"NOCHILDREN", types.ErrNoChildrenForEphemerals},
	{"SESSIONEXPIRED", types.ErrSessionExpired},
}

// maps a script error reply to the domain error, other errors pass through
func mapScriptError(err error) error {
	if err == nil {
		return nil
	}
	var redisErr redis.Error
	if !errors.As(err, &redisErr) {
		return err
	}
	for _, e := range scriptErrors {
		if strings.Contains(redisErr.Error(), e.code) {
			return e.err
		}
	}
	return err
}
