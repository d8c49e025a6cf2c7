package sandbox

import (
	"encoding/base64"
	"strings"
)

// CatalogEnvName carries the serialized tool catalog into the sandbox.
const CatalogEnvName = "MCP_TOOL_CATALOG"

// EntrypointFileName is the script name inside the IPC directory.
const EntrypointFileName = "entrypoint.py"

// GenerateEntrypoint emits the in-sandbox script for one invocation. The
// user code travels base64-encoded so no byte sequence in it can escape the
// script; the tool catalog arrives separately via CatalogEnvName.
func GenerateEntrypoint(code string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(code))
	return strings.Replace(entrypointTemplate, "@@USER_CODE_B64@@", encoded, 1)
}

// entrypointTemplate is the Python side of the bridge: framed stdio, proxy
// objects per exposed tool, the runtime helper namespace, and top-level
// await support for the user snippet.
const entrypointTemplate = `import ast
import asyncio
import base64
import json
import os
import sys
import traceback
import types

_USER_CODE_B64 = "@@USER_CODE_B64@@"

_raw_out = sys.stdout.buffer
_CHUNK = 65536


def _emit(frame):
    data = json.dumps(frame, separators=(",", ":"), ensure_ascii=False)
    _raw_out.write(data.encode("utf-8") + b"\n")
    _raw_out.flush()


class _FrameStream:
    """File-like shim that turns writes into stdout/stderr frames."""

    def __init__(self, kind):
        self._kind = kind

    def write(self, data):
        if isinstance(data, bytes):
            data = data.decode("utf-8", "replace")
        for i in range(0, len(data), _CHUNK):
            chunk = data[i:i + _CHUNK]
            if chunk:
                _emit({"kind": self._kind, "data": chunk})
        return len(data)

    def flush(self):
        pass

    def isatty(self):
        return False


class BridgeError(RuntimeError):
    """A failed response frame from the host."""

    def __init__(self, code, message):
        super().__init__("%s: %s" % (code, message))
        self.code = code
        self.message = message


class _Bridge:
    def __init__(self):
        self._next_id = 0
        self._pending = {}
        self._reader_task = None

    async def start(self):
        loop = asyncio.get_running_loop()
        reader = asyncio.StreamReader()
        protocol = asyncio.StreamReaderProtocol(reader)
        await loop.connect_read_pipe(lambda: protocol, sys.stdin)
        self._reader_task = asyncio.ensure_future(self._read_loop(reader))

    async def _read_loop(self, reader):
        while True:
            line = await reader.readline()
            if not line:
                for fut in self._pending.values():
                    if not fut.done():
                        fut.set_exception(BridgeError("protocol_error", "host channel closed"))
                self._pending.clear()
                return
            try:
                frame = json.loads(line)
            except ValueError:
                continue
            if frame.get("kind") != "response":
                continue
            fut = self._pending.pop(frame.get("id"), None)
            if fut is None or fut.done():
                continue
            if frame.get("ok"):
                fut.set_result(frame.get("result"))
            else:
                err = frame.get("error") or {}
                fut.set_exception(BridgeError(err.get("code", "error"), err.get("message", "")))

    async def request(self, method, params):
        self._next_id += 1
        rid = self._next_id
        fut = asyncio.get_running_loop().create_future()
        self._pending[rid] = fut
        _emit({"kind": "request", "id": rid, "method": method, "params": params})
        return await fut


_bridge = _Bridge()
_catalog = json.loads(os.environ.get("MCP_TOOL_CATALOG", '{"servers":[]}'))


def _make_proxy(server, tool):
    async def _proxy(**kwargs):
        timeout = kwargs.pop("_timeout", None)
        params = {"server": server, "tool": tool, "arguments": kwargs}
        if timeout is not None:
            params["timeout"] = timeout
        return await _bridge.request("call_tool", params)
    _proxy.__name__ = tool
    _proxy.__qualname__ = "%s.%s" % (server, tool)
    return _proxy


class _ServerProxy:
    """Attribute access yields a tool proxy, known or not; the host rejects
    anything outside the invocation's requested set."""

    def __init__(self, name, aliases):
        self._name = name
        self._aliases = aliases

    def __getattr__(self, item):
        if item.startswith("_"):
            raise AttributeError(item)
        return _make_proxy(self._name, self._aliases.get(item, item))

    def __dir__(self):
        return sorted(self._aliases)


async def _call_tool(server, tool, arguments=None, timeout=None):
    params = {"server": server, "tool": tool, "arguments": arguments or {}}
    if timeout is not None:
        params["timeout"] = timeout
    return await _bridge.request("call_tool", params)


def _sync_docs(server, tool=None):
    for entry in _catalog["servers"]:
        if entry["name"] != server:
            continue
        docs = []
        for t in entry["tools"]:
            if tool is not None and tool not in (t["name"], t["alias"]):
                continue
            docs.append({"server": server, "tool": t["name"], "alias": t["alias"],
                         "description": t.get("description", "")})
        return docs
    return []


def _sync_search(query, limit=10):
    q = query.lower()
    hits = []
    for entry in _catalog["servers"]:
        for t in entry["tools"]:
            hay = "%s %s %s" % (t["name"], t["alias"], t.get("description", ""))
            if q in hay.lower():
                hits.append({"server": entry["name"], "tool": t["name"], "alias": t["alias"],
                             "description": t.get("description", "")})
    return hits[:limit]


def _make_runtime():
    async def discovered_servers():
        return await _bridge.request("discovered_servers", {})

    async def list_servers():
        return await _bridge.request("list_servers", {})

    def list_servers_sync():
        return [entry["name"] for entry in _catalog["servers"]]

    async def list_tools(server):
        return await _bridge.request("list_tools", {"server": server})

    def list_tools_sync(server):
        return [d["alias"] for d in _sync_docs(server)]

    async def query_tool_docs(server, tool=None, detail="summary"):
        params = {"server": server, "detail": detail}
        if tool is not None:
            params["tool"] = tool
        return await _bridge.request("query_tool_docs", params)

    def query_tool_docs_sync(server, tool=None):
        return _sync_docs(server, tool)

    async def search_tool_docs(query, limit=None):
        params = {"query": query}
        if limit is not None:
            params["limit"] = limit
        return await _bridge.request("search_tool_docs", params)

    def search_tool_docs_sync(query, limit=10):
        return _sync_search(query, limit)

    async def capability_summary():
        return await _bridge.request("capability_summary", {})

    async def describe_server(name):
        return await _bridge.request("describe_server", {"name": name})

    async def list_loaded_server_metadata():
        return await _bridge.request("list_loaded_server_metadata", {})

    return types.SimpleNamespace(
        discovered_servers=discovered_servers,
        list_servers=list_servers,
        list_servers_sync=list_servers_sync,
        list_tools=list_tools,
        list_tools_sync=list_tools_sync,
        query_tool_docs=query_tool_docs,
        query_tool_docs_sync=query_tool_docs_sync,
        search_tool_docs=search_tool_docs,
        search_tool_docs_sync=search_tool_docs_sync,
        capability_summary=capability_summary,
        describe_server=describe_server,
        list_loaded_server_metadata=list_loaded_server_metadata,
        call_tool=_call_tool,
    )


def _build_namespace():
    g = {"__name__": "__main__", "__builtins__": __builtins__}
    mcp_servers = {}
    pkg = types.ModuleType("mcp_tools")
    pkg.__path__ = []
    sys.modules["mcp_tools"] = pkg

    for entry in _catalog["servers"]:
        name = entry["name"]
        aliases = {t["alias"]: t["name"] for t in entry["tools"]}
        proxy = _ServerProxy(name, aliases)
        mcp_servers[name] = proxy

        mod = types.ModuleType("mcp_tools." + name)
        for t in entry["tools"]:
            setattr(mod, t["alias"], _make_proxy(name, t["name"]))
        sys.modules["mcp_tools." + name] = mod
        setattr(pkg, name, mod)

        server_sym = "mcp_" + name
        if server_sym not in g:
            g[server_sym] = proxy
        for t in entry["tools"]:
            sym = "mcp_" + t["alias"]
            if sym in g:
                sym = "mcp_%s_%s" % (name, t["alias"])
            g[sym] = _make_proxy(name, t["name"])

    g["mcp_servers"] = mcp_servers
    g["mcp_tools"] = pkg
    g["runtime"] = _make_runtime()
    g["BridgeError"] = BridgeError
    return g


async def _main():
    await _bridge.start()
    code = base64.b64decode(_USER_CODE_B64).decode("utf-8")
    compiled = compile(code, "<run_python>", "exec", flags=ast.PyCF_ALLOW_TOP_LEVEL_AWAIT)
    result = eval(compiled, _build_namespace())
    if asyncio.iscoroutine(result):
        await result


def _run():
    sys.stdout = _FrameStream("stdout")
    sys.stderr = _FrameStream("stderr")
    try:
        asyncio.run(_main())
    except BaseException as exc:
        traceback.print_exc()
        _emit({"kind": "done", "status": "error",
               "error": "%s: %s" % (type(exc).__name__, exc)})
        os._exit(1)
    _emit({"kind": "done", "status": "ok"})
    os._exit(0)


_run()
`
