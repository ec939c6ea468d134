package sandbox

// harnessScript 是投放到执行环境里的 Python 执行壳。
//
// 协议：argv[1] 为输入 JSON（code + namespace），argv[2] 为输出 JSON。
// 输入命名空间中带 __type__=frame 标记的值会还原成 DataFrame；
// 执行成功后反向过滤输出命名空间：丢弃下划线开头、模块、可调用对象、
// 预置依赖名，以及无法 JSON 序列化的值，DataFrame 编码回 frame 标记。
// 代码抛异常时只输出 fault 与 stdout，不输出命名空间。
const harnessScript = `
import sys
import json
import io
import traceback
from contextlib import redirect_stdout, redirect_stderr

import matplotlib
matplotlib.use('Agg')
import matplotlib.pyplot as plt
plt.rcParams['font.sans-serif'] = ['SimHei', 'Microsoft YaHei', 'DejaVu Sans', 'Arial Unicode MS']
plt.rcParams['axes.unicode_minus'] = False
import pandas as pd
import numpy as np

DEPS = {'pd': pd, 'np': np, 'plt': plt, 'matplotlib': matplotlib}

FRAME_MARKER = 'frame'


def revive(value):
    if isinstance(value, dict) and value.get('__type__') == FRAME_MARKER:
        return pd.DataFrame(value.get('records') or [], columns=value.get('columns') or [])
    return value


def freeze(value):
    if isinstance(value, pd.DataFrame):
        return {
            '__type__': FRAME_MARKER,
            'columns': [str(c) for c in value.columns],
            'records': json.loads(value.to_json(orient='values')),
        }
    if isinstance(value, (pd.Series, pd.Index)):
        return freeze(value.to_frame().reset_index(drop=True))
    if isinstance(value, np.generic):
        return value.item()
    if isinstance(value, np.ndarray):
        return value.tolist()
    return value


def filter_namespace(g):
    out = {}
    for name, value in g.items():
        if name.startswith('_') or name in DEPS:
            continue
        if callable(value) or type(value).__name__ == 'module':
            continue
        frozen = freeze(value)
        try:
            json.dumps(frozen, ensure_ascii=False)
        except (TypeError, ValueError):
            continue
        out[name] = frozen
    return out


def main():
    with open(sys.argv[1], 'r', encoding='utf-8') as f:
        request = json.load(f)

    g = {'__name__': '__main__'}
    g.update(DEPS)
    for name, value in (request.get('namespace') or {}).items():
        g[name] = revive(value)

    stdout = io.StringIO()
    try:
        with redirect_stdout(stdout), redirect_stderr(stdout):
            exec(request['code'], g)
    except Exception:
        tb = traceback.format_exc()
        result = {'ok': False, 'fault': tb, 'stdout': stdout.getvalue()}
    else:
        result = {
            'ok': True,
            'namespace': filter_namespace(g),
            'stdout': stdout.getvalue(),
        }

    with open(sys.argv[2], 'w', encoding='utf-8') as f:
        json.dump(result, f, ensure_ascii=False)


if __name__ == '__main__':
    main()
`
