package valkey

// The scripts below return a status string. On success the status is "OK",
// optionally followed by ":" and a JSON payload.

// luaGrantSession attaches the upstream grant to a session that is still
// awaiting it.
//
// KEYS[1] = session key
// ARGV[1] = now in Unix milliseconds
// ARGV[2] = sealed upstream code
// ARGV[3] = upstream user id
// ARGV[4] = upstream company id
const luaGrantSession = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local s = cjson.decode(data)
if s.used then
    return 'ALREADY_USED'
end
if tonumber(ARGV[1]) >= tonumber(s.expires_at) then
    return 'EXPIRED'
end
if s.upstream_code ~= '' then
    return 'ALREADY_GRANTED'
end
s.upstream_code = ARGV[2]
s.user_id = ARGV[3]
s.company_id = ARGV[4]
local out = cjson.encode(s)
redis.call('SET', KEYS[1], out, 'KEEPTTL')
return 'OK:' .. out
`

// luaMarkSessionUsed consumes a granted session exactly once. The payload is
// the session as it was before the update.
//
// KEYS[1] = session key
// ARGV[1] = now in Unix milliseconds
const luaMarkSessionUsed = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local s = cjson.decode(data)
if s.used then
    return 'ALREADY_USED'
end
if tonumber(ARGV[1]) >= tonumber(s.expires_at) then
    return 'EXPIRED'
end
if s.upstream_code == '' then
    return 'NOT_GRANTED'
end
s.used = true
redis.call('SET', KEYS[1], cjson.encode(s), 'KEEPTTL')
return 'OK:' .. data
`

// luaRevokeToken marks a live token revoked.
//
// KEYS[1] = token key
// ARGV[1] = now in Unix milliseconds
const luaRevokeToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local t = cjson.decode(data)
if t.revoked then
    return 'REVOKED'
end
t.revoked = true
t.revoked_at = tonumber(ARGV[1])
redis.call('SET', KEYS[1], cjson.encode(t), 'KEEPTTL')
return 'OK'
`

// luaRotateToken revokes a live token and writes its successor together
// with the successor's lookup keys.
//
// KEYS[1] = predecessor token key
// KEYS[2] = successor token key
// KEYS[3] = successor access index key
// KEYS[4] = successor refresh index key
// ARGV[1] = now in Unix milliseconds
// ARGV[2] = successor JSON
// ARGV[3] = successor id
// ARGV[4] = successor TTL in milliseconds, 0 for none
const luaRotateToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local t = cjson.decode(data)
if t.revoked then
    return 'REVOKED'
end
if redis.call('EXISTS', KEYS[2], KEYS[3], KEYS[4]) > 0 then
    return 'COLLISION'
end
t.revoked = true
t.revoked_at = tonumber(ARGV[1])
redis.call('SET', KEYS[1], cjson.encode(t), 'KEEPTTL')
local ttl = tonumber(ARGV[4])
if ttl > 0 then
    redis.call('SET', KEYS[2], ARGV[2], 'PX', ttl)
    redis.call('SET', KEYS[3], ARGV[3], 'PX', ttl)
    redis.call('SET', KEYS[4], ARGV[3], 'PX', ttl)
else
    redis.call('SET', KEYS[2], ARGV[2])
    redis.call('SET', KEYS[3], ARGV[3])
    redis.call('SET', KEYS[4], ARGV[3])
end
return 'OK'
`

// luaUpdateUpstream replaces the sealed upstream pair on a live token.
//
// KEYS[1] = token key
// ARGV[1] = sealed upstream access token
// ARGV[2] = sealed upstream refresh token
// ARGV[3] = upstream expiry in Unix milliseconds, 0 for unknown
const luaUpdateUpstream = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local t = cjson.decode(data)
if t.revoked then
    return 'REVOKED'
end
t.upstream_access_token = ARGV[1]
t.upstream_refresh_token = ARGV[2]
t.upstream_expires_at = tonumber(ARGV[3])
redis.call('SET', KEYS[1], cjson.encode(t), 'KEEPTTL')
return 'OK'
`

// luaInsert writes fresh keys only when none of them exist yet.
//
// KEYS    = keys to write
// ARGV[1] = TTL in milliseconds, 0 for none
// ARGV[i+1] = value for KEYS[i]
const luaInsert = `
if redis.call('EXISTS', unpack(KEYS)) > 0 then
    return 'EXISTS'
end
local ttl = tonumber(ARGV[1])
for i, key in ipairs(KEYS) do
    if ttl > 0 then
        redis.call('SET', key, ARGV[i + 1], 'PX', ttl)
    else
        redis.call('SET', key, ARGV[i + 1])
    end
end
return 'OK'
`
